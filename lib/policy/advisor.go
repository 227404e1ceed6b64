package policy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/keva-db/keva/lib/storage"
	"github.com/keva-db/keva/rpc/common"
)

var logger = common.GetLogger("policy")

var (
	metricRounds  = metrics.NewCounter("keva_policy_rounds_total")
	metricActions = metrics.NewCounter("keva_policy_actions_total")
)

// --------------------------------------------------------------------------
// Advisory Boundary
// --------------------------------------------------------------------------

// Actions is the only write path available to the advisor. It is implemented
// by the public client, so every proposed action goes through the same
// routing, consensus and validation as any external caller's request.
type Actions interface {
	Put(ctx context.Context, key string, value []byte) error
}

// SnapshotFunc returns point-in-time read handles over the locally hosted
// partitions. The advisor releases every handle after scanning it.
type SnapshotFunc func() []*storage.Snapshot

// Observation is one record visible to the advisor during a scan.
type Observation struct {
	Key   string
	Value []byte
}

// Action is one write the advisor proposes.
type Action struct {
	Key   string
	Value []byte
}

// Evaluator turns one round of observations into proposed actions.
type Evaluator interface {
	Evaluate(obs []Observation) []Action
}

// --------------------------------------------------------------------------
// Advisor
// --------------------------------------------------------------------------

// Advisor periodically scans the records under the configured prefix and
// proposes follow-up writes through the client API. It never touches the
// consensus or storage layers directly.
type Advisor struct {
	cfg       common.PolicyConfig
	snapshots SnapshotFunc
	actions   Actions
	eval      Evaluator

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAdvisor creates an advisor. A nil evaluator defaults to the keyspace
// summary evaluator.
func NewAdvisor(cfg common.PolicyConfig, snapshots SnapshotFunc, actions Actions, eval Evaluator) *Advisor {
	if eval == nil {
		eval = &SummaryEvaluator{Prefix: cfg.KeyPrefix}
	}
	return &Advisor{
		cfg:       cfg,
		snapshots: snapshots,
		actions:   actions,
		eval:      eval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the advisory loop. A disabled advisor starts nothing.
func (a *Advisor) Start() {
	if !a.cfg.Enabled {
		return
	}
	a.wg.Add(1)
	go a.loop()
	logger.Infof("advisor started, scanning prefix %q every %ds", a.cfg.KeyPrefix, a.cfg.IntervalSecond)
}

// Stop terminates the advisory loop and waits for it to exit.
func (a *Advisor) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Advisor) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(time.Duration(a.cfg.IntervalSecond) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.round()
		}
	}
}

// round performs one scan-evaluate-act cycle.
func (a *Advisor) round() {
	metricRounds.Inc()

	var obs []Observation
	for _, snap := range a.snapshots() {
		snap.RangePrefix(a.cfg.KeyPrefix, func(key string, value []byte) bool {
			obs = append(obs, Observation{Key: key, Value: value})
			return true
		})
		snap.Release()
	}

	for _, action := range a.eval.Evaluate(obs) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.actions.Put(ctx, action.Key, action.Value)
		cancel()
		if err != nil {
			logger.Warnf("proposed action on %q rejected: %v", action.Key, err)
			continue
		}
		metricActions.Inc()
	}
}

// --------------------------------------------------------------------------
// Summary Evaluator
// --------------------------------------------------------------------------

// Summary is the digest the default evaluator maintains for its prefix.
type Summary struct {
	Keys       int   `json:"keys"`
	TotalBytes int   `json:"total_bytes"`
	ScannedAt  int64 `json:"scanned_at"`
}

// SummaryEvaluator aggregates the observed records into a single digest
// record stored next to them.
type SummaryEvaluator struct {
	Prefix string
}

// SummaryKey returns the key the digest is stored under.
func (e *SummaryEvaluator) SummaryKey() string {
	return e.Prefix + "!summary"
}

func (e *SummaryEvaluator) Evaluate(obs []Observation) []Action {
	summary := Summary{ScannedAt: time.Now().Unix()}
	for _, o := range obs {
		if o.Key == e.SummaryKey() {
			continue
		}
		summary.Keys++
		summary.TotalBytes += len(o.Value)
	}
	if summary.Keys == 0 {
		return nil
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return nil
	}
	return []Action{{Key: e.SummaryKey(), Value: raw}}
}
