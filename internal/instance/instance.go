// Package instance implements the instance liveness reporter: it upserts
// a row keyed by server instance id once the server reaches READY, then
// re-stamps it on a fixed interval, and writes a final not-live row with
// a stop reason on shutdown.
package instance

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/model"
)

const collectionName = "instances"

// Reporter upserts this server's liveness row on a fixed interval while
// running, and writes a final row when stopped.
type Reporter struct {
	mu         sync.Mutex
	docs       *datastore.Collection
	instanceID string
	components []string
	info       model.RuntimeInfo
	interval   time.Duration
	log        *slog.Logger
	cronJob    *cron.Cron
	entryID    cron.EntryID
}

// New creates a Reporter. Start is not called until the supervisor
// reaches READY.
func New(ds interface{ Collection(string) *datastore.Collection }, instanceID string, components []string, info model.RuntimeInfo, interval time.Duration, log *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		docs:       ds.Collection(collectionName),
		instanceID: instanceID,
		components: components,
		info:       info,
		interval:   interval,
		log:        log,
	}
}

func (r *Reporter) upsert(live bool, stopReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := model.Instance{
		ID:          r.instanceID,
		Components:  r.components,
		RuntimeInfo: r.info,
		Live:        live,
		CheckInTime: time.Now().UTC(),
		StopReason:  stopReason,
	}
	doc, err := datastore.ToDoc(rec)
	if err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}

	existing, err := r.docs.FindOne(datastore.Doc{"id": r.instanceID})
	if err != nil {
		return apperror.Wrap(apperror.KindServerError, err)
	}
	if existing == nil {
		return r.docs.InsertOne(doc)
	}
	return r.docs.ReplaceOne(datastore.Doc{"id": r.instanceID}, doc)
}

// Start upserts the initial liveness row and schedules a check-in every
// interval via robfig/cron.
func (r *Reporter) Start() {
	if err := r.upsert(true, ""); err != nil {
		r.log.Error("instance reporter initial upsert failed", "error", err)
	}

	r.cronJob = cron.New()
	id, err := r.cronJob.AddFunc("@every "+r.interval.String(), func() {
		if err := r.upsert(true, ""); err != nil {
			r.log.Error("instance reporter check-in failed", "error", err)
		}
	})
	if err != nil {
		r.log.Error("instance reporter schedule failed", "error", err)
		return
	}
	r.entryID = id
	r.cronJob.Start()
}

// Stop cancels the check-in schedule and writes a final row with
// live=false and the given stopReason.
func (r *Reporter) Stop(stopReason string) error {
	if r.cronJob != nil {
		r.cronJob.Stop()
	}
	return r.upsert(false, stopReason)
}
