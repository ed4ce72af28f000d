package instance

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/logging"
	"github.com/morrigan-hq/morrigan-server/internal/model"
)

func newTestReporter(t *testing.T) (*Reporter, *datastore.Store) {
	t.Helper()
	ds, err := datastore.Open(filepath.Join(t.TempDir(), "instance.db"))
	if err != nil {
		t.Fatalf("open datastore: %v", err)
	}
	t.Cleanup(func() { ds.Close() })
	r := New(ds, "instance-1", []string{"identity", "agent"}, model.RuntimeInfo{Version: "test"}, time.Hour, logging.NewTestLogger().Logger)
	return r, ds
}

func TestStartUpsertsLiveRow(t *testing.T) {
	r, ds := newTestReporter(t)
	r.Start()
	defer r.Stop("test cleanup")

	doc, err := ds.Collection(collectionName).FindOne(datastore.Doc{"id": "instance-1"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if doc == nil {
		t.Fatal("expected an instance row to be written")
	}
	var rec model.Instance
	if err := datastore.FromDoc(doc, &rec); err != nil {
		t.Fatalf("FromDoc: %v", err)
	}
	if !rec.Live {
		t.Error("expected live=true after Start")
	}
}

func TestStopWritesFinalRowWithReason(t *testing.T) {
	r, ds := newTestReporter(t)
	r.Start()

	if err := r.Stop("operator requested"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	doc, err := ds.Collection(collectionName).FindOne(datastore.Doc{"id": "instance-1"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	var rec model.Instance
	if err := datastore.FromDoc(doc, &rec); err != nil {
		t.Fatalf("FromDoc: %v", err)
	}
	if rec.Live {
		t.Error("expected live=false after Stop")
	}
	if rec.StopReason != "operator requested" {
		t.Errorf("stopReason: got %q", rec.StopReason)
	}
}
