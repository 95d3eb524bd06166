package store

import (
	"context"
	"testing"

	"github.com/hyperengineering/tidesync/internal/schema"
)

// testRemote describes Customers and Orders, where Orders holds a
// non-unique foreign key to Customers.
func testRemote() *schema.DbScheme {
	str := schema.AttributeScheme{Type: "String"}
	return &schema.DbScheme{Tables: map[string]schema.TableScheme{
		"Customers": {
			Name:        "Customers",
			PrimaryKeys: []string{"Id"},
			Attributes: map[string]schema.Attribute{
				"Id":   {Scheme: str},
				"Name": {Scheme: str},
			},
			EntityFullName: "Shop.Customer",
			AssemblyName:   "Shop",
		},
		"Orders": {
			Name:        "Orders",
			PrimaryKeys: []string{"Id"},
			Attributes: map[string]schema.Attribute{
				"Id":         {Scheme: str},
				"CustomerId": {Scheme: str, IsNullable: true},
				"Total":      {Scheme: schema.AttributeScheme{Type: "Double"}},
				"Qty":        {Scheme: schema.AttributeScheme{Type: "Int"}},
				"Paid":       {Scheme: schema.AttributeScheme{Type: "Bool"}},
				"Placed":     {Scheme: schema.AttributeScheme{Type: "Date"}, IsNullable: true},
				"Meta":       {Scheme: schema.AttributeScheme{Type: "Dictionary"}, IsNullable: true},
				"Note":       {Scheme: str, IsNullable: true},
			},
			Connections: map[string]schema.Connection{
				"Customers": {TableName: "Customers", OwnAttributeNames: []string{"CustomerId"}, ExternalAttributeNames: []string{"Id"}},
			},
			EntityFullName: "Shop.Order",
			AssemblyName:   "Shop",
		},
	}}
}

// testScope syncs every Orders field except Note, and all of Customers.
func testScope() *schema.Scope {
	return schema.FieldScope(map[string][]string{
		"Orders":    {"CustomerId", "Total", "Qty", "Paid", "Placed", "Meta"},
		"Customers": {"Name"},
	})
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Derive(testRemote(), testScope())
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	return s
}

func testOptions(t *testing.T) Options {
	return Options{Dir: t.TempDir(), LiveName: "live.db", SnapshotName: "live.db.snapshot"}
}

// openTestPair returns an open pair with the test schema installed.
func openTestPair(t *testing.T) *Pair {
	t.Helper()
	p := New(testOptions(t))
	ctx := context.Background()
	if err := p.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if err := p.InstallSchema(ctx, testSchema(t)); err != nil {
		t.Fatalf("InstallSchema() error = %v", err)
	}
	return p
}

func mustWrite(t *testing.T, p *Pair, fn func(*Tx) error) {
	t.Helper()
	if err := p.Write(context.Background(), fn); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}
