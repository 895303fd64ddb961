// Package store provides a gorm-backed implementation of
// xmppubsub.PersistenceBackend, the concrete persistence layer the
// engine's persistence batcher drains into.
package store

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paulmanoni/xmppubsub"
)

// NodeRow is the row model for a PubSub node, flattened for storage; its
// shape (Host/NodeID identity, a denormalized Config blob) follows the
// PubSubNode row used by other XMPP storage backends in the corpus, with
// Config narrowed from a free-form map to the engine's own form encoding.
type NodeRow struct {
	Host       string `gorm:"primaryKey;column:host"`
	NodeID     string `gorm:"primaryKey;column:node_id"`
	Kind       string `gorm:"column:kind"` // leaf | collection
	ParentID   string `gorm:"column:parent_id"`
	Creator    string `gorm:"column:creator"`
	Owners     string `gorm:"column:owners"` // comma-joined bare JIDs
	ConfigForm []byte `gorm:"column:config_form"`
}

func (NodeRow) TableName() string { return "pubsub_nodes" }

// ItemRow is the row model for a published item.
type ItemRow struct {
	Host      string    `gorm:"primaryKey;column:host"`
	NodeID    string    `gorm:"primaryKey;column:node_id"`
	ItemID    string    `gorm:"primaryKey;column:item_id"`
	Publisher string    `gorm:"column:publisher"`
	Payload   []byte    `gorm:"column:payload"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ItemRow) TableName() string { return "pubsub_items" }

// SubscriptionRow is the row model for a subscription.
type SubscriptionRow struct {
	Host        string `gorm:"primaryKey;column:host"`
	NodeID      string `gorm:"primaryKey;column:node_id"`
	SubKey      string `gorm:"primaryKey;column:sub_key"` // subID, or subscriber JID when single-sub
	OwnerBare   string `gorm:"column:owner_bare"`
	Subscriber  string `gorm:"column:subscriber"`
	SubID       string `gorm:"column:sub_id"`
	State       string `gorm:"column:state"`
	SubType     string `gorm:"column:sub_type"`
	OptionsForm []byte `gorm:"column:options_form"`
}

func (SubscriptionRow) TableName() string { return "pubsub_subscriptions" }

// AffiliationRow is the row model for a node affiliate.
type AffiliationRow struct {
	Host        string `gorm:"primaryKey;column:host"`
	NodeID      string `gorm:"primaryKey;column:node_id"`
	BareJID     string `gorm:"primaryKey;column:bare_jid"`
	Affiliation string `gorm:"column:affiliation"`
}

func (AffiliationRow) TableName() string { return "pubsub_affiliations" }

// Store is a gorm-backed xmppubsub.PersistenceBackend. Host scopes every
// row to one PubSub service JID, allowing a single database to serve
// multiple virtual hosts.
type Store struct {
	db   *gorm.DB
	host string
}

// New builds a Store scoped to host (the service's own JID string). The
// caller is responsible for running AutoMigrate against the four row
// types before first use.
func New(db *gorm.DB, host string) *Store {
	return &Store{db: db, host: host}
}

// AutoMigrate creates/updates the store's tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&NodeRow{}, &ItemRow{}, &SubscriptionRow{}, &AffiliationRow{})
}

// marshalElement renders an xmppubsub.Element to XML bytes for storage, or
// nil when el is nil.
func marshalElement(el *xmppubsub.Element) []byte {
	if el == nil {
		return nil
	}
	b, err := xml.Marshal(el)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalElement(b []byte) *xmppubsub.Element {
	if len(b) == 0 {
		return nil
	}
	var el xmppubsub.Element
	if err := xml.Unmarshal(b, &el); err != nil {
		return nil
	}
	return &el
}

// LoadNodes reconstructs every node (with its affiliations, subscriptions,
// and items) belonging to the store's host, for use at service start-up.
func (s *Store) LoadNodes(ctx context.Context) ([]*xmppubsub.Node, error) {
	var rows []NodeRow
	if err := s.db.WithContext(ctx).Where("host = ?", s.host).Find(&rows).Error; err != nil {
		return nil, err
	}

	byID := make(map[string]*xmppubsub.Node, len(rows))
	var ordered []*xmppubsub.Node
	for _, row := range rows {
		cfg := xmppubsub.NodeConfig{}
		if form := unmarshalDataForm(row.ConfigForm); form != nil {
			_ = form.DecodeInto(&cfg)
		}
		creator := xmppubsub.ParseJID(row.Creator)

		var node *xmppubsub.Node
		if row.Kind == "collection" {
			node = xmppubsub.NewCollection(row.NodeID, nil, creator, cfg)
		} else {
			node = xmppubsub.NewLeaf(row.NodeID, nil, creator, cfg)
		}
		byID[row.NodeID] = node
		ordered = append(ordered, node)
	}

	// Second pass: wire parents now that every node is constructed.
	for i, row := range rows {
		if row.ParentID == "" {
			continue
		}
		if parent, ok := byID[row.ParentID]; ok {
			parent.AddChild(ordered[i].ID)
			ordered[i].Parent = parent
		}
	}

	for _, node := range ordered {
		if err := s.loadAffiliationsInto(ctx, node); err != nil {
			return nil, err
		}
		if err := s.loadSubscriptionsInto(ctx, node); err != nil {
			return nil, err
		}
		if node.Kind == xmppubsub.KindLeaf {
			if err := s.loadItemsInto(ctx, node); err != nil {
				return nil, err
			}
		}
	}

	return ordered, nil
}

func (s *Store) loadAffiliationsInto(ctx context.Context, node *xmppubsub.Node) error {
	var rows []AffiliationRow
	if err := s.db.WithContext(ctx).Where("host = ? AND node_id = ?", s.host, node.ID).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		node.SetAffiliation(xmppubsub.ParseJID(row.BareJID), xmppubsub.Affiliation(row.Affiliation))
	}
	return nil
}

func (s *Store) loadSubscriptionsInto(ctx context.Context, node *xmppubsub.Node) error {
	var rows []SubscriptionRow
	if err := s.db.WithContext(ctx).Where("host = ? AND node_id = ?", s.host, node.ID).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		opts := xmppubsub.DefaultSubscriptionOptions()
		if form := unmarshalDataForm(row.OptionsForm); form != nil {
			_ = form.DecodeInto(&opts)
		}
		node.AddSubscription(&xmppubsub.NodeSubscription{
			NodeID:     node.ID,
			SubID:      row.SubID,
			OwnerBare:  row.OwnerBare,
			Subscriber: xmppubsub.ParseJID(row.Subscriber),
			State:      xmppubsub.SubState(row.State),
			Type:       xmppubsub.SubType(row.SubType),
			Options:    opts,
		})
	}
	return nil
}

func (s *Store) loadItemsInto(ctx context.Context, node *xmppubsub.Node) error {
	var rows []ItemRow
	if err := s.db.WithContext(ctx).Where("host = ? AND node_id = ?", s.host, node.ID).
		Order("created_at ASC").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		node.UpsertItem(&xmppubsub.PublishedItem{
			NodeID:    node.ID,
			ItemID:    row.ItemID,
			Publisher: xmppubsub.ParseJID(row.Publisher),
			Payload:   unmarshalElement(row.Payload),
			Timestamp: row.CreatedAt,
		})
	}
	return nil
}

// SaveNode upserts a node's identity/config row.
func (s *Store) SaveNode(ctx context.Context, n *xmppubsub.Node) error {
	var parentID string
	if n.Parent != nil {
		parentID = n.Parent.ID
	}
	kind := "leaf"
	if n.Kind == xmppubsub.KindCollection {
		kind = "collection"
	}

	row := NodeRow{
		Host:       s.host,
		NodeID:     n.ID,
		Kind:       kind,
		ParentID:   parentID,
		Creator:    n.Creator.String(),
		Owners:     strings.Join(n.OwnerList(), ","),
		ConfigForm: marshalDataForm(n.Config.ToForm()),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host"}, {Name: "node_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// DeleteNode removes a node and every item/subscription/affiliation row
// scoped to it.
func (s *Store) DeleteNode(ctx context.Context, n *xmppubsub.Node) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host = ? AND node_id = ?", s.host, n.ID).Delete(&ItemRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("host = ? AND node_id = ?", s.host, n.ID).Delete(&SubscriptionRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("host = ? AND node_id = ?", s.host, n.ID).Delete(&AffiliationRow{}).Error; err != nil {
			return err
		}
		return tx.Where("host = ? AND node_id = ?", s.host, n.ID).Delete(&NodeRow{}).Error
	})
}

// CreatePublishedItem upserts item's row, satisfying the idempotent-on-
// (node, itemID) contract the batcher depends on; it reports true when a
// row was written (gorm does not distinguish insert vs. update under
// OnConflict, so this always reports true on a nil error).
func (s *Store) CreatePublishedItem(ctx context.Context, item *xmppubsub.PublishedItem) (bool, error) {
	row := ItemRow{
		Host:      s.host,
		NodeID:    item.NodeID,
		ItemID:    item.ItemID,
		Publisher: item.Publisher.String(),
		Payload:   marshalElement(item.Payload),
		CreatedAt: item.Timestamp,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host"}, {Name: "node_id"}, {Name: "item_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	return err == nil, err
}

// RemovePublishedItem deletes item's row, reporting whether a row was
// actually removed.
func (s *Store) RemovePublishedItem(ctx context.Context, item *xmppubsub.PublishedItem) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("host = ? AND node_id = ? AND item_id = ?", s.host, item.NodeID, item.ItemID).
		Delete(&ItemRow{})
	return res.RowsAffected > 0, res.Error
}

// SaveSubscription upserts sub's row.
func (s *Store) SaveSubscription(ctx context.Context, sub *xmppubsub.NodeSubscription) error {
	key := sub.SubID
	if key == "" {
		key = sub.Subscriber.String()
	}
	row := SubscriptionRow{
		Host:        s.host,
		NodeID:      sub.NodeID,
		SubKey:      key,
		OwnerBare:   sub.OwnerBare,
		Subscriber:  sub.Subscriber.String(),
		SubID:       sub.SubID,
		State:       string(sub.State),
		SubType:     string(sub.Type),
		OptionsForm: marshalDataForm(sub.Options.ToForm()),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host"}, {Name: "node_id"}, {Name: "sub_key"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// DeleteSubscription removes sub's row.
func (s *Store) DeleteSubscription(ctx context.Context, sub *xmppubsub.NodeSubscription) error {
	key := sub.SubID
	if key == "" {
		key = sub.Subscriber.String()
	}
	return s.db.WithContext(ctx).
		Where("host = ? AND node_id = ? AND sub_key = ?", s.host, sub.NodeID, key).
		Delete(&SubscriptionRow{}).Error
}

// SaveAffiliation upserts aff's row.
func (s *Store) SaveAffiliation(ctx context.Context, aff *xmppubsub.NodeAffiliate) error {
	row := AffiliationRow{
		Host:        s.host,
		NodeID:      aff.NodeID,
		BareJID:     aff.BareJID,
		Affiliation: string(aff.Affiliation),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host"}, {Name: "node_id"}, {Name: "bare_jid"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// DeleteAffiliation removes aff's row.
func (s *Store) DeleteAffiliation(ctx context.Context, aff *xmppubsub.NodeAffiliate) error {
	return s.db.WithContext(ctx).
		Where("host = ? AND node_id = ? AND bare_jid = ?", s.host, aff.NodeID, aff.BareJID).
		Delete(&AffiliationRow{}).Error
}

func marshalDataForm(f *xmppubsub.DataForm) []byte {
	if f == nil {
		return nil
	}
	b, err := xml.Marshal(f.Element())
	if err != nil {
		return nil
	}
	return b
}

func unmarshalDataForm(b []byte) *xmppubsub.DataForm {
	el := unmarshalElement(b)
	if el == nil {
		return nil
	}
	return xmppubsub.ParseDataForm(el)
}
