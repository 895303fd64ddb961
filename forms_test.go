package xmppubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataFormSetAndValue(t *testing.T) {
	f := NewDataForm(FormTypeNodeConfig)
	f.Set("pubsub#title", "My Node")
	assert.Equal(t, "My Node", f.Value("pubsub#title"))
	assert.Equal(t, FormTypeNodeConfig, f.FormType())

	// Re-setting replaces rather than duplicates the field.
	f.Set("pubsub#title", "Renamed")
	assert.Equal(t, "Renamed", f.Value("pubsub#title"))
}

func TestDataFormBoolDefaultsAndParsing(t *testing.T) {
	f := NewDataForm(FormTypeNodeConfig)
	assert.True(t, f.Bool("pubsub#persist_items", true))

	f.SetBool("pubsub#persist_items", false)
	assert.False(t, f.Bool("pubsub#persist_items", true))

	f.Set("pubsub#deliver_payloads", "true")
	assert.True(t, f.Bool("pubsub#deliver_payloads", false))
}

func TestParseDataFormFromElement(t *testing.T) {
	x := NewElement("jabber:x:data", "x")
	x.SetAttribute("type", "submit")
	field := x.AddChild(NewElement("", "field"))
	field.SetAttribute("var", "pubsub#access_model")
	val := field.AddChild(NewElement("", "value"))
	val.CharData = "whitelist"

	form := ParseDataForm(x)
	require.NotNil(t, form)
	assert.Equal(t, "submit", form.Kind)
	assert.Equal(t, "whitelist", form.Value("pubsub#access_model"))
}

func TestExpandShortNodeConfig(t *testing.T) {
	el := NewElement("", "create")
	el.SetAttribute("access", "open")
	g1 := el.AddChild(NewElement("", "group"))
	g1.CharData = "friends"
	g2 := el.AddChild(NewElement("", "group"))
	g2.CharData = "family"

	form := ExpandShortNodeConfig(el)
	assert.Equal(t, FormTypeNodeConfig, form.FormType())
	assert.Equal(t, "open", form.Value("pubsub#access_model"))
	assert.ElementsMatch(t, []string{"friends", "family"}, form.Field("pubsub#roster_groups_allowed").Values)
}

func TestDataFormElementRoundTrip(t *testing.T) {
	f := NewDataForm(FormTypeSubscribeOpts)
	f.SetBool("pubsub#deliver", true)
	el := f.Element()

	reparsed := ParseDataForm(el)
	assert.Equal(t, FormTypeSubscribeOpts, reparsed.FormType())
	assert.True(t, reparsed.Bool("pubsub#deliver", false))
}
