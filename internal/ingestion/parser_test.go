package ingestion_test

import (
	"SwapGate/internal/gas"
	"SwapGate/internal/ingestion"
	"encoding/json"
	"errors"
	"testing"
)

func payload(t *testing.T, v map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseNotification(t *testing.T) {
	data := payload(t, map[string]interface{}{
		"notification_id": "n-42",
		"token_id":        "wrap.near",
		"sender_id":       "alice.near",
		"amount":          "1000000",
		"msg":             `{"actions":[]}`,
		"prepaid_gas":     "300000000000000",
	})

	n, err := ingestion.ParseNotification(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n.NotificationID != "n-42" {
		t.Errorf("notification_id: got %s, want n-42", n.NotificationID)
	}
	if n.Token != "wrap.near" || n.Sender != "alice.near" {
		t.Errorf("token/sender: got %s/%s", n.Token, n.Sender)
	}
	if n.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", n.Amount)
	}
	if n.Msg != `{"actions":[]}` {
		t.Errorf("msg: got %q", n.Msg)
	}
	if n.PrepaidGas != 300*gas.Tgas {
		t.Errorf("prepaid_gas: got %d, want 300 Tgas", n.PrepaidGas)
	}
}

func TestParseNotification_NumericFields(t *testing.T) {
	data := []byte(`{"notification_id":"n","token_id":"x","sender_id":"a","amount":5,"msg":"","prepaid_gas":1000}`)
	n, err := ingestion.ParseNotification(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n.Amount != 5 || n.PrepaidGas != 1000 {
		t.Errorf("got amount=%d gas=%d, want 5/1000", n.Amount, n.PrepaidGas)
	}
}

func TestParseNotification_MissingGasIsZero(t *testing.T) {
	n, err := ingestion.ParseNotification([]byte(`{"notification_id":"n","token_id":"x","sender_id":"a","amount":"5"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n.PrepaidGas != 0 || n.Msg != "" {
		t.Errorf("got gas=%d msg=%q, want zero values", n.PrepaidGas, n.Msg)
	}
}

func TestParseNotification_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"no id":           `{"token_id":"x","sender_id":"a","amount":"5"}`,
		"no token":        `{"notification_id":"n","sender_id":"a","amount":"5"}`,
		"no sender":       `{"notification_id":"n","token_id":"x","amount":"5"}`,
		"zero amount":     `{"notification_id":"n","token_id":"x","sender_id":"a","amount":"0"}`,
		"negative amount": `{"notification_id":"n","token_id":"x","sender_id":"a","amount":"-5"}`,
		"amount overflow": `{"notification_id":"n","token_id":"x","sender_id":"a","amount":"100000000000000000000"}`,
		"bad gas":         `{"notification_id":"n","token_id":"x","sender_id":"a","amount":"5","prepaid_gas":"lots"}`,
		"unknown field":   `{"notification_id":"n","token_id":"x","sender_id":"a","amount":"5","memo":"hi"}`,
	}
	for name, data := range cases {
		if _, err := ingestion.ParseNotification([]byte(data)); !errors.Is(err, ingestion.ErrMalformedNotification) {
			t.Errorf("%s: got %v, want ErrMalformedNotification", name, err)
		}
	}
}
