package mcp_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/TangGee/odai-mcp"
)

func TestMustStringJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.MustString
		wantErr bool
	}{
		{name: "string id", input: `"abc-1"`, want: "abc-1"},
		{name: "integer id", input: `7`, want: "7"},
		{name: "integral float id", input: `7.0`, want: "7"},
		{name: "object id", input: `{"id": 1}`, wantErr: true},
		{name: "malformed", input: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.MustString
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unmarshal error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("unmarshal = %q, want %q", got, tt.want)
			}

			// Numeric ids are always written back as strings.
			bs, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("failed to marshal: %v", err)
			}
			if string(bs) != fmt.Sprintf("%q", tt.want) {
				t.Errorf("marshal = %s, want %q", bs, tt.want)
			}
		})
	}
}

func TestJSONRPCMessageShape(t *testing.T) {
	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`), &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if msg.ID != "3" || msg.Method != mcp.MethodToolsList {
		t.Errorf("unexpected message: %+v", msg)
	}

	bs, err := json.Marshal(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/initialized"})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if string(bs) != `{"jsonrpc":"2.0","method":"notifications/initialized"}` {
		t.Errorf("notification must not carry an id, got %s", bs)
	}
}

func TestJSONRPCErrorAs(t *testing.T) {
	err := fmt.Errorf("call failed: %w", mcp.JSONRPCError{Code: -32601, Message: "method not found"})

	var jsonErr mcp.JSONRPCError
	if !errors.As(err, &jsonErr) {
		t.Fatal("expected errors.As to find JSONRPCError")
	}
	if jsonErr.Code != -32601 {
		t.Errorf("expected code -32601, got %d", jsonErr.Code)
	}
}
