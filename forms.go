package xmppubsub

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Well-known FORM_TYPE values, per XEP-0004/XEP-0060.
const (
	FormTypeNodeConfig     = "http://jabber.org/protocol/pubsub#node_config"
	FormTypeSubscribeAuth  = "http://jabber.org/protocol/pubsub#subscribe_authorization"
	FormTypeSubscribeOpts  = "http://jabber.org/protocol/pubsub#subscribe_options"
)

// Field is one XEP-0004 data-form field.
type Field struct {
	Var    string
	Type   string
	Values []string
}

// DataForm is a parsed XEP-0004 <x xmlns='jabber:x:data'/> form.
type DataForm struct {
	Kind   string // form | submit | result | cancel
	Fields []Field
}

// NewDataForm builds an empty submit-kind form with the given FORM_TYPE.
func NewDataForm(formType string) *DataForm {
	f := &DataForm{Kind: "submit"}
	f.Set("FORM_TYPE", formType)
	return f
}

// Field looks up a field by var name.
func (f *DataForm) Field(name string) *Field {
	if f == nil {
		return nil
	}
	for i := range f.Fields {
		if f.Fields[i].Var == name {
			return &f.Fields[i]
		}
	}
	return nil
}

// Value returns the first value of the named field, or "".
func (f *DataForm) Value(name string) string {
	fld := f.Field(name)
	if fld == nil || len(fld.Values) == 0 {
		return ""
	}
	return fld.Values[0]
}

// Bool interprets the named field as an XEP-0004 boolean ("0"/"1"/
// "true"/"false"); missing fields default to def.
func (f *DataForm) Bool(name string, def bool) bool {
	v := f.Value(name)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}

// FormType returns the value of the FORM_TYPE field.
func (f *DataForm) FormType() string {
	return f.Value("FORM_TYPE")
}

// Set replaces (or creates) a single-value field.
func (f *DataForm) Set(name, value string) *DataForm {
	if fld := f.Field(name); fld != nil {
		fld.Values = []string{value}
		return f
	}
	f.Fields = append(f.Fields, Field{Var: name, Values: []string{value}})
	return f
}

// SetBool renders a Go bool as an XEP-0004 boolean field.
func (f *DataForm) SetBool(name string, value bool) *DataForm {
	if value {
		return f.Set(name, "1")
	}
	return f.Set(name, "0")
}

// SetMulti sets a multi-valued field (used for list-multi fields such as
// allowed presence "show" values).
func (f *DataForm) SetMulti(name string, values []string) *DataForm {
	for i := range f.Fields {
		if f.Fields[i].Var == name {
			f.Fields[i].Values = values
			return f
		}
	}
	f.Fields = append(f.Fields, Field{Var: name, Values: values})
	return f
}

// ParseDataForm builds a DataForm from a parsed <x xmlns='jabber:x:data'/>
// Element, as handed to the engine by the (external) stanza router.
func ParseDataForm(x *Element) *DataForm {
	if x == nil {
		return nil
	}
	form := &DataForm{Kind: x.Attribute("type")}
	for _, fieldEl := range x.ChildrenByName("field") {
		fld := Field{Var: fieldEl.Attribute("var"), Type: fieldEl.Attribute("type")}
		for _, v := range fieldEl.ChildrenByName("value") {
			fld.Values = append(fld.Values, v.CharData)
		}
		form.Fields = append(form.Fields, fld)
	}
	return form
}

// Element renders the form back into its wire element.
func (f *DataForm) Element() *Element {
	x := NewElement("jabber:x:data", "x")
	kind := f.Kind
	if kind == "" {
		kind = "form"
	}
	x.SetAttribute("type", kind)
	for _, fld := range f.Fields {
		fieldEl := NewElement("", "field")
		fieldEl.SetAttribute("var", fld.Var)
		if fld.Type != "" {
			fieldEl.SetAttribute("type", fld.Type)
		}
		for _, v := range fld.Values {
			valEl := NewElement("", "value")
			valEl.CharData = v
			fieldEl.AddChild(valEl)
		}
		x.AddChild(fieldEl)
	}
	return x
}

// ExpandShortNodeConfig synthesizes an equivalent data form from the
// short-form node configuration described in §4.3b/c: an "access"
// attribute plus optional "group" children, expanded into FORM_TYPE,
// pubsub#access_model, and (when present) pubsub#roster_groups_allowed.
func ExpandShortNodeConfig(el *Element) *DataForm {
	form := NewDataForm(FormTypeNodeConfig)
	if access := el.Attribute("access"); access != "" {
		form.Set("pubsub#access_model", access)
	}
	var groups []string
	for _, g := range el.ChildrenByName("group") {
		groups = append(groups, g.CharData)
	}
	if len(groups) > 0 {
		form.SetMulti("pubsub#roster_groups_allowed", groups)
	}
	return form
}

// decodeHook converts XEP-0004 boolean/int string encodings into their Go
// target kinds during mapstructure.Decode.
func decodeHook(from reflect.Kind, to reflect.Kind, data interface{}) (interface{}, error) {
	if from != reflect.String {
		return data, nil
	}
	s, _ := data.(string)
	switch to {
	case reflect.Bool:
		return s == "1" || strings.EqualFold(s, "true"), nil
	case reflect.Int, reflect.Int64:
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("decode int field: %w", err)
		}
		return n, nil
	}
	return data, nil
}

// toMap flattens single-valued fields into a map keyed by Var, suitable
// for mapstructure.Decode. Multi-valued fields keep their slice.
func (f *DataForm) toMap() map[string]interface{} {
	m := make(map[string]interface{}, len(f.Fields))
	for _, fld := range f.Fields {
		if len(fld.Values) == 1 {
			m[fld.Var] = fld.Values[0]
		} else {
			m[fld.Var] = fld.Values
		}
	}
	return m
}

// DecodeInto decodes the form's fields into target using mapstructure,
// matching struct tags of the form `mapstructure:"pubsub#access_model"`.
// This is the data-form analogue of the teacher's GetArg/GetRootInfo
// reflective extraction helpers (utils.go), retargeted from GraphQL
// resolver arguments onto XEP-0004 field maps.
func (f *DataForm) DecodeInto(target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("build form decoder: %w", err)
	}
	return dec.Decode(f.toMap())
}
