package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestActiveSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(ActiveSession{})

	assertGormTag(t, typ, "Key", "primaryKey")
	assertGormTag(t, typ, "Key", "size:191")
	assertGormTag(t, typ, "Value", "type:text")
	assertGormTag(t, typ, "Value", "not null")
	assertGormTag(t, typ, "UpdatedAt", "index")
	assertFieldType(t, typ, "UpdatedAt", "time.Time")
}

func TestTurnLog_Fields(t *testing.T) {
	typ := reflect.TypeOf(TurnLog{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "SessionID", "size:128")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Event", "size:32")
	assertGormTag(t, typ, "FromState", "size:64")
	assertGormTag(t, typ, "ToState", "size:64")
	assertGormTag(t, typ, "Effects", "type:json")
	assertGormTag(t, typ, "CreatedAt", "index")
	assertFieldType(t, typ, "Voice", "bool")
	assertFieldType(t, typ, "Muted", "bool")
}

func TestActiveSession_Instantiation(t *testing.T) {
	now := time.Now()
	s := ActiveSession{
		Key:       "doctor-7",
		Value:     `{"session_id":"s-1"}`,
		UpdatedAt: now,
	}
	if s.Key != "doctor-7" {
		t.Errorf("Key = %q, want %q", s.Key, "doctor-7")
	}
	if !s.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", s.UpdatedAt, now)
	}
}

func TestTurnLog_Instantiation(t *testing.T) {
	l := TurnLog{
		SessionID: "s-1",
		Event:     "submit",
		FromState: "idle",
		ToState:   "processing",
		Effects:   `["submit_text"]`,
		Voice:     true,
	}
	if l.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want %q", l.SessionID, "s-1")
	}
	if l.FromState != "idle" || l.ToState != "processing" {
		t.Errorf("states = %q -> %q, want idle -> processing", l.FromState, l.ToState)
	}
	if !l.Voice || l.Muted {
		t.Errorf("mode = voice:%v muted:%v, want voice only", l.Voice, l.Muted)
	}
}
