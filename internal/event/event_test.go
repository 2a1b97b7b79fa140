package event

import (
	"encoding/json"
	"testing"
)

func TestClone_Independent(t *testing.T) {
	ev := New(RoleUser, "hi")
	ev.SetExtra("name", "alice")

	c := ev.Clone()
	c.Content = "changed"
	c.Extra["name"][1] = 'X'

	if ev.Content != "hi" {
		t.Errorf("Expected original content 'hi', got %s", ev.Content)
	}
	if ev.ExtraString("name") != "alice" {
		t.Errorf("Expected original extra 'alice', got %s", ev.ExtraString("name"))
	}
}

func TestEmpty(t *testing.T) {
	if !(&Event{Role: RoleAssistant}).Empty() {
		t.Error("Expected event with only a role to be empty")
	}
	ev := &Event{}
	ev.SetExtra("finish_reason", "stop")
	if ev.Empty() {
		t.Error("Expected event with extra data to be non-empty")
	}
}

func TestMarshal_OmitsAbsentFields(t *testing.T) {
	data, err := json.Marshal(&Event{Content: "x"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"content":"x"}` {
		t.Errorf("Unexpected encoding: %s", data)
	}
}

func TestRequestClone(t *testing.T) {
	req := &Request{
		Model:  "m",
		Events: []*Event{New(RoleUser, "a")},
		Params: map[string]json.RawMessage{"temperature": json.RawMessage(`0.2`)},
	}
	c := req.Clone()
	c.Events[0].Content = "b"
	c.Params["top_p"] = json.RawMessage(`1`)

	if req.Events[0].Content != "a" {
		t.Errorf("Expected original event untouched, got %s", req.Events[0].Content)
	}
	if _, ok := req.Params["top_p"]; ok {
		t.Error("Expected original params untouched")
	}
}
