package trigger

import (
	"errors"
	"testing"

	"github.com/valetbot/valet/invoke/mock"
)

func TestSubscriptionStore_SetActive(t *testing.T) {
	env := newTestEnv(t, mock.New())
	store, err := NewSubscriptionStore(env.db)
	if err != nil {
		t.Fatalf("NewSubscriptionStore: %v", err)
	}

	sub, err := store.Create("channel", map[string]string{"name": "@news"}, "watch")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.SetActive(sub.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	active, err := store.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("deactivated sub still listed active: %v", active)
	}
	all, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 || all[0].Active {
		t.Errorf("ListAll = %v", all)
	}

	if err := store.SetActive("missing", true); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("SetActive missing = %v, want ErrSubscriptionNotFound", err)
	}
	if err := store.Delete("missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Delete missing = %v, want ErrSubscriptionNotFound", err)
	}
}
