package signer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when endpoint is missing")
	}
}

func TestSignSuccess(t *testing.T) {
	delegator := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	var captured signRequest
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sign" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"signedTransaction": "0xf86b01"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL, Token: "tok", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	signed, err := client.Sign(context.Background(), []byte{0xc0, 0x01}, delegator)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed) != 3 || signed[0] != 0xf8 {
		t.Fatalf("unexpected signed payload %x", signed)
	}
	if captured.SerializedTransaction != "0xc001" || captured.DelegatorPkpEthAddress != delegator.Hex() {
		t.Fatalf("unexpected request %+v", captured)
	}
	if auth != "Bearer tok" {
		t.Fatalf("authorization header missing: %q", auth)
	}
}

func TestSignDenied(t *testing.T) {
	cases := []http.HandlerFunc{
		func(w http.ResponseWriter, r *http.Request) { http.Error(w, "not delegated", http.StatusForbidden) },
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "runtimeError": "policy: spend limit"})
		},
	}
	for _, handler := range cases {
		srv := httptest.NewServer(handler)
		client, err := NewClient(Config{Endpoint: srv.URL})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err = client.Sign(context.Background(), []byte{0xc0}, common.Address{})
		srv.Close()
		if !errors.Is(err, ErrSigningDenied) {
			t.Fatalf("expected signing denied, got %v", err)
		}
	}
}

func TestSignUpstreamFailureIsNotDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Sign(context.Background(), []byte{0xc0}, common.Address{})
	if err == nil || errors.Is(err, ErrSigningDenied) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}
