package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/gridcoin/internal/app/notify"
	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/logging"
	"github.com/tutu-network/gridcoin/internal/infra/store"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.Dir = t.TempDir()
	cfg.Notify.LogEvents = false
	return cfg
}

func TestDaemon_ServesAndShutsDown(t *testing.T) {
	events := notify.NewChannelSubscriber(8)
	d, err := New(context.Background(), testConfig(t), logging.Nop(), events)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	var user domain.User
	err = d.DB.InTx(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		var err error
		user, err = tx.CreateUser(ctx, "ada", domain.RoleUser, "", time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("CreateUser() error: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.ServeListener(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d", resp.StatusCode)
	}

	body := fmt.Sprintf(`{"account_id":%d,"amount":7,"description":"welcome"}`, user.Account)
	resp, err = http.Post(base+"/api/ledger/grants", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST grant: %v", err)
	}
	var lt domain.LedgerTransaction
	json.NewDecoder(resp.Body).Decode(&lt)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || lt.Value != 7 {
		t.Errorf("POST grant = %d %+v", resp.StatusCode, lt)
	}

	select {
	case ev := <-events.C():
		if ev.Type != notify.TypeTransactionDone {
			t.Errorf("event type = %s", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transaction event delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeListener() = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "oracle"
	if _, err := New(context.Background(), cfg, logging.Nop()); err == nil {
		t.Fatal("New() accepted an unknown driver")
	}
}
