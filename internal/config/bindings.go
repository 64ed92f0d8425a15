package config

import (
	"fmt"
	"sort"
)

// BindingKind classifies a declared binding for the dashboard.
type BindingKind string

const (
	KindVar           BindingKind = "var"
	KindKV            BindingKind = "kv_namespace"
	KindR2            BindingKind = "r2_bucket"
	KindD1            BindingKind = "d1_database"
	KindDurableObject BindingKind = "durable_object"
	KindQueue         BindingKind = "queue"
	KindAssets        BindingKind = "assets"
)

// BindingInfo is one flattened binding entry for the dashboard's
// bindings panel.
type BindingInfo struct {
	Name   string      `json:"name"`
	Kind   BindingKind `json:"kind"`
	Detail string      `json:"detail"`
}

// Bindings flattens every declared binding into a list sorted by name.
func (c *Config) Bindings() []BindingInfo {
	var out []BindingInfo

	for k, v := range c.Vars {
		out = append(out, BindingInfo{Name: k, Kind: KindVar, Detail: fmt.Sprintf("%v", v)})
	}
	for _, kv := range c.KVNamespaces {
		out = append(out, BindingInfo{Name: kv.Binding, Kind: KindKV, Detail: kv.ID})
	}
	for _, b := range c.R2Buckets {
		out = append(out, BindingInfo{Name: b.Binding, Kind: KindR2, Detail: b.BucketName})
	}
	for _, db := range c.D1Databases {
		detail := db.DatabaseName
		if db.DatabaseID != "" {
			detail = fmt.Sprintf("%s (%s)", db.DatabaseName, db.DatabaseID)
		}
		out = append(out, BindingInfo{Name: db.Binding, Kind: KindD1, Detail: detail})
	}
	for _, do := range c.DurableObjects.Bindings {
		out = append(out, BindingInfo{Name: do.Name, Kind: KindDurableObject, Detail: do.ClassName})
	}
	for _, p := range c.Queues.Producers {
		out = append(out, BindingInfo{Name: p.Binding, Kind: KindQueue, Detail: p.Queue})
	}
	if c.Assets != nil && c.Assets.Binding != "" {
		out = append(out, BindingInfo{Name: c.Assets.Binding, Kind: KindAssets, Detail: c.Assets.Directory})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// D1ID returns the on-disk database ID for a D1 declaration, falling back
// to the database name when no explicit ID is set.
func (d D1Database) D1ID() string {
	if d.DatabaseID != "" {
		return d.DatabaseID
	}
	return d.DatabaseName
}
