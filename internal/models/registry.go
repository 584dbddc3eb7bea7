package models

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Collection names.
const (
	Clients        = "clients"
	Receipts       = "receipts"
	Expenses       = "expenses"
	Employees      = "employees"
	Attendance     = "attendance"
	Tasks          = "tasks"
	Notifications  = "notifications"
	Documents      = "documents"
	AccessRequests = "access_requests"
	Permissions    = "permissions"
	ActivityLog    = "activity_log"
)

// Index is a secondary index over one payload field.
type Index struct {
	Name   string
	Field  string
	Unique bool
}

// Schema describes one collection.
type Schema struct {
	Name       string
	Indexes    []Index
	DateFields []string
	// LocalOnly collections are never queued for remote delivery.
	LocalOnly bool
}

// commonDateFields apply to every collection.
var commonDateFields = []string{FieldCreatedAt, FieldUpdatedAt, FieldLastModified}

var registry = map[string]Schema{
	Clients: {
		Name: Clients,
		Indexes: []Index{
			{Name: "nationalId", Field: "nationalId", Unique: true},
			{Name: "status", Field: "status"},
		},
	},
	Receipts: {
		Name: Receipts,
		Indexes: []Index{
			{Name: "clientId", Field: "clientId"},
			{Name: "receiptNumber", Field: "receiptNumber", Unique: true},
		},
		DateFields: []string{"date"},
	},
	Expenses: {
		Name:       Expenses,
		Indexes:    []Index{{Name: "category", Field: "category"}},
		DateFields: []string{"date"},
	},
	Employees: {
		Name: Employees,
		Indexes: []Index{
			{Name: "email", Field: "email", Unique: true},
			{Name: "status", Field: "status"},
		},
		DateFields: []string{"hiredAt"},
	},
	Attendance: {
		Name: Attendance,
		Indexes: []Index{
			{Name: "employeeId", Field: "employeeId"},
			{Name: "date", Field: "date"},
		},
		DateFields: []string{"date", "checkIn", "checkOut"},
	},
	Tasks: {
		Name: Tasks,
		Indexes: []Index{
			{Name: "status", Field: "status"},
			{Name: "assigneeId", Field: "assigneeId"},
		},
		DateFields: []string{"dueDate", "completedAt"},
	},
	Notifications: {
		Name: Notifications,
		Indexes: []Index{
			{Name: "recipientId", Field: "recipientId"},
			{Name: "read", Field: "read"},
		},
		DateFields: []string{"readAt"},
	},
	Documents: {
		Name:       Documents,
		Indexes:    []Index{{Name: "ownerId", Field: "ownerId"}},
		DateFields: []string{"uploadedAt"},
	},
	AccessRequests: {
		Name: AccessRequests,
		Indexes: []Index{
			{Name: "email", Field: "email"},
			{Name: "status", Field: "status"},
		},
		DateFields: []string{"reviewedAt"},
	},
	Permissions: {
		Name:    Permissions,
		Indexes: []Index{{Name: "userId", Field: "userId", Unique: true}},
	},
	ActivityLog: {
		Name: ActivityLog,
		Indexes: []Index{
			{Name: "entityId", Field: "entityId"},
			{Name: "actor", Field: "actor"},
		},
		DateFields: []string{"timestamp"},
		LocalOnly:  true,
	},
}

// Lookup returns the schema registered for name.
func Lookup(name string) (Schema, bool) {
	s, ok := registry[name]
	return s, ok
}

// MustLookup is Lookup for callers that already validated the name.
func MustLookup(name string) Schema {
	s, ok := registry[name]
	if !ok {
		panic(fmt.Sprintf("unknown collection %q", name))
	}
	return s
}

// Collections returns every registered collection name, sorted.
func Collections() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SyncedCollections returns the collections replicated to the remote store.
func SyncedCollections() []string {
	var names []string
	for _, n := range Collections() {
		if !registry[n].LocalOnly {
			names = append(names, n)
		}
	}
	return names
}

// Index returns the named index.
func (s Schema) Index(name string) (Index, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// IsDateField reports whether field holds a timestamp in this collection.
func (s Schema) IsDateField(field string) bool {
	for _, f := range commonDateFields {
		if f == field {
			return true
		}
	}
	for _, f := range s.DateFields {
		if f == field {
			return true
		}
	}
	return false
}

// Normalize returns a copy of e with every date field decoded to a UTC
// time.Time. Malformed dates become nil.
func (s Schema) Normalize(e Entity) Entity {
	out := e.Clone()
	for k, v := range out {
		if v == nil || !s.IsDateField(k) {
			continue
		}
		if t, ok := AsTime(v); ok {
			out[k] = t.UTC()
		} else {
			out[k] = nil
		}
	}
	return out
}

// IndexKey returns the string key an index stores for v. ok is false for
// values that are not indexed (nil, maps, slices).
func IndexKey(v any) (key string, ok bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case time.Time:
		return FormatTimestamp(x), true
	}
	return "", false
}
