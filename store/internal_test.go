package store

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/tillsync/remote"
)

// --- unmarshalItem Tests ---

func TestUnmarshalItem_Full(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"pk":         &types.AttributeValueMemberS{Value: "tenant#t1#00"},
		"id":         &types.AttributeValueMemberS{Value: "o-1"},
		"version":    &types.AttributeValueMemberN{Value: "5"},
		"created_at": &types.AttributeValueMemberS{Value: "2024-01-01T00:00:00Z"},
		"updated_at": &types.AttributeValueMemberS{Value: "2024-01-02T00:00:00Z"},
		"tableId":    &types.AttributeValueMemberS{Value: "t-4"},
		"unsaved":    &types.AttributeValueMemberBOOL{Value: true},
		"quantity":   &types.AttributeValueMemberN{Value: "3"},
	}

	item, err := unmarshalItem(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if item.Version != 5 {
		t.Errorf("expected Version 5, got %d", item.Version)
	}
	if item.CreatedAt != "2024-01-01T00:00:00Z" {
		t.Errorf("expected CreatedAt '2024-01-01T00:00:00Z', got %q", item.CreatedAt)
	}
	if item.UpdatedAt != "2024-01-02T00:00:00Z" {
		t.Errorf("expected UpdatedAt '2024-01-02T00:00:00Z', got %q", item.UpdatedAt)
	}
	if item.Record.ID() != "o-1" {
		t.Errorf("expected id 'o-1', got %q", item.Record.ID())
	}
	if item.Record["tableId"] != "t-4" {
		t.Errorf("expected tableId 't-4', got %v", item.Record["tableId"])
	}
	if !item.Record.Bool("unsaved") {
		t.Error("expected unsaved to be true")
	}
	if item.Record["quantity"] != float64(3) {
		t.Errorf("expected quantity 3, got %v", item.Record["quantity"])
	}
	if item.Raw == nil {
		t.Error("expected Raw to be set")
	}
}

func TestUnmarshalItem_StripsManagedAttributes(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"pk":      &types.AttributeValueMemberS{Value: "tenant#t1#00"},
		"id":      &types.AttributeValueMemberS{Value: "o-1"},
		"ttl":     &types.AttributeValueMemberN{Value: "1700000000"},
		"version": &types.AttributeValueMemberN{Value: "2"},
	}

	item, err := unmarshalItem(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, attr := range []string{"pk", "ttl", "version", "created_at", "updated_at"} {
		if _, ok := item.Record[attr]; ok {
			t.Errorf("expected managed attribute %q to be stripped", attr)
		}
	}
	if len(item.Record) != 1 {
		t.Errorf("expected only id to remain, got %v", item.Record)
	}
}

func TestUnmarshalItem_InvalidVersionType(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"version": &types.AttributeValueMemberS{Value: "not-a-number"}, // Wrong type
	}

	item, err := unmarshalItem(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Should default to 0 when version is wrong type
	if item.Version != 0 {
		t.Errorf("expected Version 0 for wrong type, got %d", item.Version)
	}
}

func TestUnmarshalItem_UnparseableVersion(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"version": &types.AttributeValueMemberN{Value: "abc"},
	}

	item, err := unmarshalItem(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Version != 0 {
		t.Errorf("expected Version 0 for unparseable number, got %d", item.Version)
	}
}

func TestUnmarshalItem_NullAttribute(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"id":       &types.AttributeValueMemberS{Value: "o-1"},
		"mergerId": &types.AttributeValueMemberNULL{Value: true},
	}

	item, err := unmarshalItem(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := item.Record["mergerId"]
	if !ok {
		t.Fatal("expected mergerId key to be present")
	}
	if v != nil {
		t.Errorf("expected nil mergerId, got %v", v)
	}
}

// --- marshalRecord Tests ---

func TestMarshalRecord_DropsManagedAttributes(t *testing.T) {
	rec := remote.Record{
		"id":      "o-1",
		"version": 9,
		"ttl":     123,
		"pk":      "spoofed",
		"items":   []any{"burger"},
	}

	av, err := marshalRecord(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, attr := range []string{"version", "ttl", "pk"} {
		if _, ok := av[attr]; ok {
			t.Errorf("expected %q to be dropped", attr)
		}
	}
	if _, ok := av["items"].(*types.AttributeValueMemberL); !ok {
		t.Errorf("expected items to marshal to a list, got %T", av["items"])
	}
}

// --- filterExpression Tests ---

func TestFilterExpression_Empty(t *testing.T) {
	expr, names, values := filterExpression(nil)
	if expr != "("+TTLFilterExpr()+")" {
		t.Errorf("expected TTL-only filter, got %q", expr)
	}
	if len(names) != 0 || len(values) != 0 {
		t.Errorf("expected no extra names/values, got %v %v", names, values)
	}
}

func TestFilterExpression_Deterministic(t *testing.T) {
	filter := remote.Filter{"tableId": "t-1", "active": true, "groupId": "g-1"}

	first, _, _ := filterExpression(filter)
	for i := 0; i < 50; i++ {
		expr, _, _ := filterExpression(filter)
		if expr != first {
			t.Fatalf("expected deterministic expression %q, got %q", first, expr)
		}
	}

	expected := "(" + TTLFilterExpr() + ") AND #f0 = :f0 AND #f1 = :f1 AND #f2 = :f2"
	if first != expected {
		t.Errorf("expected %q, got %q", expected, first)
	}
}

func TestFilterExpression_NamesAndValues(t *testing.T) {
	_, names, values := filterExpression(remote.Filter{"tableId": "t-1"})

	if names["#f0"] != "tableId" {
		t.Errorf("expected #f0 -> tableId, got %q", names["#f0"])
	}
	v, ok := values[":f0"].(*types.AttributeValueMemberS)
	if !ok || v.Value != "t-1" {
		t.Errorf("expected :f0 = 't-1', got %v", values[":f0"])
	}
}

func TestFilterExpression_NilValue(t *testing.T) {
	expr, _, values := filterExpression(remote.Filter{"mergerId": nil})

	if !strings.Contains(expr, "attribute_not_exists(#f0) OR attribute_type(#f0, :f0)") {
		t.Errorf("expected nil filter clause, got %q", expr)
	}
	if v, ok := values[":f0"].(*types.AttributeValueMemberS); !ok || v.Value != "NULL" {
		t.Errorf("expected :f0 = 'NULL', got %v", values[":f0"])
	}
}

// --- cursor Tests ---

func TestCursor_RoundTrip(t *testing.T) {
	c := pageCursor{Shard: 3, Key: map[string]string{"pk": "tenant#t1#03", "id": "o-9"}}

	got, err := decodeCursor(c.encode())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Shard != 3 || got.Key["id"] != "o-9" || got.Key["pk"] != "tenant#t1#03" {
		t.Errorf("unexpected cursor %+v", got)
	}
}

func TestCursor_EmptyIsStart(t *testing.T) {
	got, err := decodeCursor("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Shard != 0 || got.Key != nil {
		t.Errorf("expected zero cursor, got %+v", got)
	}
}

func TestCursor_Invalid(t *testing.T) {
	for _, in := range []string{"!!!", "bm90LWpzb24"} {
		if _, err := decodeCursor(in); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("decodeCursor(%q): expected ErrInvalidCursor, got %v", in, err)
		}
	}
}

// --- mergeExpr Tests ---

func TestMergeExprNames(t *testing.T) {
	merged := mergeExpr(map[string]string{"#a": "a"}, map[string]string{"#b": "b"}, nil)
	if len(merged) != 2 || merged["#a"] != "a" || merged["#b"] != "b" {
		t.Errorf("unexpected merge result %v", merged)
	}
}

func TestMergeExprValues_LaterWins(t *testing.T) {
	merged := mergeExpr(
		map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: "first"}},
		map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: "second"}},
	)
	if v := merged[":v"].(*types.AttributeValueMemberS); v.Value != "second" {
		t.Errorf("expected later map to win, got %q", v.Value)
	}
}

// --- Config Tests ---

func TestConfigValidate_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.validate()

	if cfg.TablePrefix != "tillsync_" {
		t.Errorf("expected default TablePrefix, got %q", cfg.TablePrefix)
	}
	if cfg.NumShards != 1 {
		t.Errorf("expected NumShards 1, got %d", cfg.NumShards)
	}
	if cfg.PageSize != 50 {
		t.Errorf("expected PageSize 50, got %d", cfg.PageSize)
	}
}

func TestConfigValidate_NumShardsOverMax(t *testing.T) {
	cfg := Config{NumShards: 1000}
	cfg.validate()
	if cfg.NumShards != 256 {
		t.Errorf("expected NumShards capped at 256, got %d", cfg.NumShards)
	}
}

func TestConfigValidate_PreservesCustomValues(t *testing.T) {
	cfg := Config{TenantID: "acme", TablePrefix: "pos_", NumShards: 8, PageSize: 10}
	cfg.validate()
	if cfg.TenantID != "acme" || cfg.TablePrefix != "pos_" || cfg.NumShards != 8 || cfg.PageSize != 10 {
		t.Errorf("expected custom values preserved, got %+v", cfg)
	}
}

func TestStore_Key(t *testing.T) {
	s := New(nil, Config{TenantID: "t1"})
	key := s.key("o-1")

	if v := key["pk"].(*types.AttributeValueMemberS); v.Value != "tenant#t1#00" {
		t.Errorf("expected pk 'tenant#t1#00', got %q", v.Value)
	}
	if v := key["id"].(*types.AttributeValueMemberS); v.Value != "o-1" {
		t.Errorf("expected id 'o-1', got %q", v.Value)
	}
}

// --- ttl Tests ---

func TestDeletedBy_Boundary(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	item := map[string]types.AttributeValue{
		"ttl": &types.AttributeValueMemberN{Value: "1700000000"},
	}

	if deletedBy(item, at.Add(-time.Second)) {
		t.Error("expected record to be live before its ttl")
	}
	if !deletedBy(item, at) {
		t.Error("expected record to be deleted at its ttl")
	}
	if got, ok := DeletedAt(item); !ok || !got.Equal(at) {
		t.Errorf("expected DeletedAt %v, got %v (ok=%v)", at, got, ok)
	}
}

func TestTTLValues(t *testing.T) {
	v, ok := ttlValues(time.Unix(42, 0))[":now"].(*types.AttributeValueMemberN)
	if !ok || v.Value != "42" {
		t.Errorf("expected :now = 42, got %v", v)
	}
}
