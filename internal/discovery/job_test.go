package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/correlation"
	"github.com/nexasec/shadowbot/internal/credentials"
	"github.com/nexasec/shadowbot/internal/events"
	"github.com/nexasec/shadowbot/internal/models"
	"github.com/nexasec/shadowbot/internal/risk"
	"github.com/nexasec/shadowbot/internal/runtrack"
)

// fakeStore is an in-memory Store for orchestrator tests.
type fakeStore struct {
	mu          sync.Mutex
	connections []models.Connection
	statuses    map[uuid.UUID]models.ConnectionStatus
	watermarks  map[uuid.UUID]time.Time
	runs        map[uuid.UUID]*models.DiscoveryRun
	automations map[string]*models.AutomationRecord // keyed by connection_id/native_id
	assessments []*models.RiskAssessment
	latest      map[uuid.UUID]*models.RiskAssessment
	chains      []*models.AutomationChain
	chainsSet   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:    make(map[uuid.UUID]models.ConnectionStatus),
		watermarks:  make(map[uuid.UUID]time.Time),
		runs:        make(map[uuid.UUID]*models.DiscoveryRun),
		automations: make(map[string]*models.AutomationRecord),
		latest:      make(map[uuid.UUID]*models.RiskAssessment),
	}
}

func (f *fakeStore) ListConnections(ctx context.Context, orgID uuid.UUID, status *models.ConnectionStatus) ([]models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Connection
	for _, c := range f.connections {
		if c.OrganizationID == orgID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateConnectionStatus(ctx context.Context, connectionID uuid.UUID, status models.ConnectionStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[connectionID] = status
	return nil
}

func (f *fakeStore) UpdateConnectionLastRun(ctx context.Context, connectionID uuid.UUID, runStart time.Time, runStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks[connectionID] = runStart
	return nil
}

func (f *fakeStore) CreateRun(ctx context.Context, run *models.DiscoveryRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, id uuid.UUID) (*models.DiscoveryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id], nil
}

func (f *fakeStore) MarkRunStarted(ctx context.Context, id uuid.UUID, totalJobs int) error {
	return nil
}

func (f *fakeStore) CompleteRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errs models.JSONB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; ok {
		now := time.Now()
		run.Status = status
		run.Errors = errs
		run.CompletedAt = &now
	}
	return nil
}

func (f *fakeStore) UpsertAutomation(ctx context.Context, record *models.AutomationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := record.ConnectionID.String() + "/" + record.NativeID
	existing, ok := f.automations[key]
	if !ok {
		record.ID = uuid.New()
		record.FirstSeenAt = time.Now()
		clone := *record
		f.automations[key] = &clone
		return nil
	}
	existing.EventCount += record.EventCount
	existing.EventsOffHours += record.EventsOffHours
	if record.LastSeenAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = record.LastSeenAt
	}
	existing.Dormant = false
	record.ID = existing.ID
	record.FirstSeenAt = existing.FirstSeenAt
	record.EventCount = existing.EventCount
	record.EventsOffHours = existing.EventsOffHours
	return nil
}

func (f *fakeStore) ListOrgAutomations(ctx context.Context, orgID uuid.UUID) ([]models.AutomationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AutomationRecord
	for _, r := range f.automations {
		if r.OrganizationID == orgID && !r.Dormant {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) SweepDormant(ctx context.Context, orgID uuid.UUID, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var swept int64
	for _, r := range f.automations {
		if r.OrganizationID == orgID && !r.Dormant && r.LastSeenAt.Before(cutoff) {
			r.Dormant = true
			swept++
		}
	}
	return swept, nil
}

func (f *fakeStore) InsertAssessment(ctx context.Context, a *models.RiskAssessment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assessments = append(f.assessments, a)
	return nil
}

func (f *fakeStore) LatestAssessments(ctx context.Context, orgID uuid.UUID) (map[uuid.UUID]*models.RiskAssessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]*models.RiskAssessment, len(f.latest))
	for id, a := range f.latest {
		out[id] = a
	}
	return out, nil
}

func (f *fakeStore) ReplaceChains(ctx context.Context, orgID uuid.UUID, chains []*models.AutomationChain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains = chains
	f.chainsSet = true
	return nil
}

// fakeCoord grants every lock unless told otherwise.
type fakeCoord struct {
	denyConnection bool
}

func (f *fakeCoord) AcquireOrgRun(ctx context.Context, orgID, runID uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error) {
	return runID, true, nil
}

func (f *fakeCoord) ReleaseOrgRun(ctx context.Context, orgID uuid.UUID) error { return nil }

func (f *fakeCoord) AcquireConnectionLock(ctx context.Context, connectionID, runID uuid.UUID, ttl time.Duration) (bool, error) {
	return !f.denyConnection, nil
}

func (f *fakeCoord) ReleaseConnectionLock(ctx context.Context, connectionID uuid.UUID) error {
	return nil
}

func (f *fakeCoord) UpdateProgress(ctx context.Context, progress *runtrack.RunProgress) error {
	return nil
}

// snapshotCoord serializes every progress update the way the redis tracker
// does and remembers what each update looked like on arrival.
type snapshotCoord struct {
	fakeCoord
	mu       sync.Mutex
	received []*runtrack.RunProgress
	jobsSeen []int
}

func (c *snapshotCoord) UpdateProgress(ctx context.Context, progress *runtrack.RunProgress) error {
	if _, err := json.Marshal(progress); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, progress)
	c.jobsSeen = append(c.jobsSeen, len(progress.Jobs))
	return nil
}

// fakeCreds returns a static credential, or the supplied error.
type fakeCreds struct {
	err error
}

func (f *fakeCreds) RefreshIfExpiring(ctx context.Context, conn *models.Connection, window time.Duration) (*models.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Credential{ConnectionID: conn.ID, AccessToken: "token"}, nil
}

// captureEmitter records every event for assertions.
type captureEmitter struct {
	mu          sync.Mutex
	discovered  []uuid.UUID
	escalations []uuid.UUID
	chainEvents int
}

func (c *captureEmitter) AutomationDiscovered(ctx context.Context, record *models.AutomationRecord, runID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovered = append(c.discovered, record.ID)
}

func (c *captureEmitter) RiskEscalated(ctx context.Context, record *models.AutomationRecord, prev, curr *models.RiskAssessment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalations = append(c.escalations, record.ID)
}

func (c *captureEmitter) ChainDetected(ctx context.Context, chain *models.AutomationChain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainEvents++
}

func (c *captureEmitter) Close() error { return nil }

var _ events.Emitter = (*captureEmitter)(nil)

// fakeConnector serves canned pages and satisfies both listing surfaces.
type fakeConnector struct {
	platform   models.Platform
	listErr    error
	failures   int // transient failures served before the listing succeeds
	events     []connectors.RawAutomationEvent
	activity   []connectors.RawActivityEvent
	noActivity bool
}

func (f *fakeConnector) Platform() models.Platform          { return f.platform }
func (f *fakeConnector) Validate(ctx context.Context) error { return nil }
func (f *fakeConnector) Close() error                       { return nil }

func (f *fakeConnector) ListAutomations(ctx context.Context, since time.Time, cursor string) (*connectors.AutomationPage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.failures > 0 {
		f.failures--
		return nil, &connectors.TransientError{Platform: f.platform, StatusCode: 503, Err: errors.New("upstream down")}
	}
	return &connectors.AutomationPage{Events: f.events}, nil
}

func (f *fakeConnector) ListActivity(ctx context.Context, window connectors.ActivityWindow, cursor string) (*connectors.ActivityPage, error) {
	if f.noActivity {
		return nil, &connectors.UnsupportedOperationError{Platform: f.platform, Operation: "activity"}
	}
	return &connectors.ActivityPage{Events: f.activity}, nil
}

func testOrchestrator(t *testing.T, st *fakeStore, coord Coordinator, creds *fakeCreds, conn *fakeConnector, emitter events.Emitter) *Orchestrator {
	t.Helper()

	policy, err := risk.NewPolicy(config.PolicyConfig{
		ScopeSensitivity: config.DefaultScopeSensitivity(),
		Timezone:         "UTC",
		OffHoursStart:    19,
		OffHoursEnd:      7,
	})
	if err != nil {
		t.Fatalf("building policy: %v", err)
	}

	factory := connectors.NewFactory(config.PlatformsConfig{})
	factory.Register(models.PlatformSlack, func(ctx context.Context, cfg config.PlatformsConfig, cred *models.Credential) (connectors.Connector, error) {
		return conn, nil
	})

	return New(Options{
		Config: config.DiscoveryConfig{
			MaxRetries:          1,
			InitialBackoff:      time.Millisecond,
			MaxBackoff:          2 * time.Millisecond,
			RunTimeout:          time.Minute,
			PlatformConcurrency: 2,
			ActivityWindow:      24 * time.Hour,
		},
		Lookahead:  5 * time.Minute,
		Inactivity: 30 * 24 * time.Hour,
		Store:      st,
		Creds:      creds,
		Factory:    factory,
		Coord:      coord,
		Engine:     risk.NewEngine(policy),
		Policy:     policy,
		Correlator: correlation.NewEngine(5 * time.Minute),
		Emitter:    emitter,
	})
}

func slackConnection(orgID uuid.UUID) models.Connection {
	return models.Connection{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Platform:       models.PlatformSlack,
		Status:         models.ConnectionActive,
	}
}

func TestRunConnection_DiscoversAndUpserts(t *testing.T) {
	st := newFakeStore()
	emitter := &captureEmitter{}
	orgID := uuid.New()
	conn := slackConnection(orgID)

	connector := &fakeConnector{
		platform: models.PlatformSlack,
		events: []connectors.RawAutomationEvent{
			{NativeID: "B1", Payload: map[string]interface{}{"name": "sync-bot", "created_by": "U1"}},
			{NativeID: "B2", Payload: map[string]interface{}{
				"name":        "summarizer",
				"created_by":  "U1",
				"webhook_url": "https://api.openai.com/v1/chat",
			}},
		},
		noActivity: true,
	}
	o := testOrchestrator(t, st, &fakeCoord{}, &fakeCreds{}, connector, emitter)

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	runStart := time.Now()

	result, _ := o.runConnection(context.Background(), run, runStart, &conn)

	if result.Status != models.JobSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", result.Status, result.Error)
	}
	if result.Discovered != 2 {
		t.Errorf("discovered = %d, want 2", result.Discovered)
	}
	if len(st.automations) != 2 {
		t.Errorf("stored %d automations, want 2", len(st.automations))
	}
	if len(emitter.discovered) != 2 {
		t.Errorf("emitted %d discovery events, want 2", len(emitter.discovered))
	}
	if _, ok := st.watermarks[conn.ID]; !ok {
		t.Error("watermark not advanced after successful job")
	}
}

func TestRunConnection_SkipsUnnormalizableEvents(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	conn := slackConnection(orgID)

	connector := &fakeConnector{
		platform: models.PlatformSlack,
		events: []connectors.RawAutomationEvent{
			{NativeID: "B1", Payload: map[string]interface{}{"name": "good-bot"}},
			{NativeID: "B2", Payload: map[string]interface{}{}}, // no display name
		},
		noActivity: true,
	}
	o := testOrchestrator(t, st, &fakeCoord{}, &fakeCreds{}, connector, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result, _ := o.runConnection(context.Background(), run, time.Now(), &conn)

	if result.Status != models.JobSucceeded {
		t.Fatalf("status = %s, want succeeded: one bad event must not fail the job", result.Status)
	}
	if result.Discovered != 1 || result.Skipped != 1 {
		t.Errorf("discovered/skipped = %d/%d, want 1/1", result.Discovered, result.Skipped)
	}
}

func TestRunConnection_AuthFailureMarksConnection(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	conn := slackConnection(orgID)

	connector := &fakeConnector{
		platform: models.PlatformSlack,
		listErr:  &connectors.AuthError{Platform: models.PlatformSlack, Reason: "token revoked"},
	}
	o := testOrchestrator(t, st, &fakeCoord{}, &fakeCreds{}, connector, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result, _ := o.runConnection(context.Background(), run, time.Now(), &conn)

	if result.Status != models.JobFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if st.statuses[conn.ID] != models.ConnectionError {
		t.Errorf("connection status = %s, want error after auth rejection", st.statuses[conn.ID])
	}
	if _, ok := st.watermarks[conn.ID]; ok {
		t.Error("watermark advanced despite failed job")
	}
}

func TestRunConnection_InactiveConnectionSkipped(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	conn := slackConnection(orgID)
	conn.Status = models.ConnectionExpired

	o := testOrchestrator(t, st, &fakeCoord{}, &fakeCreds{}, &fakeConnector{platform: models.PlatformSlack}, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result, _ := o.runConnection(context.Background(), run, time.Now(), &conn)

	if result.Status != models.JobSkipped {
		t.Errorf("status = %s, want skipped for expired connection", result.Status)
	}
	if len(st.automations) != 0 {
		t.Error("expired connection must not produce records")
	}
}

func TestRunConnection_CoalescesOnHeldLock(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	conn := slackConnection(orgID)

	o := testOrchestrator(t, st, &fakeCoord{denyConnection: true}, &fakeCreds{}, &fakeConnector{platform: models.PlatformSlack}, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result, _ := o.runConnection(context.Background(), run, time.Now(), &conn)

	if result.Status != models.JobSkipped {
		t.Errorf("status = %s, want skipped when another job holds the lock", result.Status)
	}
}

func TestRunConnection_RefreshFailureSkipsJob(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	conn := slackConnection(orgID)

	creds := &fakeCreds{err: &credentials.RefreshError{ConnectionID: conn.ID, Err: errors.New("rejected")}}
	o := testOrchestrator(t, st, &fakeCoord{}, creds, &fakeConnector{platform: models.PlatformSlack}, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result, _ := o.runConnection(context.Background(), run, time.Now(), &conn)

	if result.Status != models.JobSkipped {
		t.Errorf("status = %s, want skipped: an expired credential is recoverable", result.Status)
	}
	if result.Error == "" {
		t.Error("skip must keep the refresh error detail")
	}
	if len(st.automations) != 0 {
		t.Error("no records may be written when the credential is unusable")
	}
}

func TestRunConnection_CredentialLoadFailure(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	conn := slackConnection(orgID)

	creds := &fakeCreds{err: errors.New("credential row missing")}
	o := testOrchestrator(t, st, &fakeCoord{}, creds, &fakeConnector{platform: models.PlatformSlack}, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result, _ := o.runConnection(context.Background(), run, time.Now(), &conn)

	if result.Status != models.JobFailed {
		t.Errorf("status = %s, want failed when the credential cannot be loaded at all", result.Status)
	}
}

func TestRunConnection_ReportsRetryAttempts(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	conn := slackConnection(orgID)

	connector := &fakeConnector{
		platform: models.PlatformSlack,
		failures: 1,
		events: []connectors.RawAutomationEvent{
			{NativeID: "B1", Payload: map[string]interface{}{"name": "sync-bot"}},
		},
		noActivity: true,
	}
	o := testOrchestrator(t, st, &fakeCoord{}, &fakeCreds{}, connector, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result, _ := o.runConnection(context.Background(), run, time.Now(), &conn)

	if result.Status != models.JobSucceeded {
		t.Fatalf("status = %s (%s), want succeeded after one retry", result.Status, result.Error)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2: one transient failure plus the successful call", result.Attempts)
	}
}

func TestRunConnection_RerunOverUnchangedActivity(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	conn := slackConnection(orgID)

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	connector := &fakeConnector{
		platform: models.PlatformSlack,
		events: []connectors.RawAutomationEvent{
			{NativeID: "B1", Payload: map[string]interface{}{"name": "sync-bot", "created_by": "U1"}},
		},
		activity: []connectors.RawActivityEvent{
			{ActorID: "B1", Action: "message_posted", Timestamp: base},
			{ActorID: "B1", Action: "message_posted", Timestamp: base.Add(10 * time.Minute)},
			{ActorID: "B1", Action: "message_posted", Timestamp: base.Add(20 * time.Minute)},
		},
	}
	o := testOrchestrator(t, st, &fakeCoord{}, &fakeCreds{}, connector, &captureEmitter{})

	run1 := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result1, stats1 := o.runConnection(context.Background(), run1, base.Add(time.Hour), &conn)
	if result1.Status != models.JobSucceeded {
		t.Fatalf("first run status = %s (%s), want succeeded", result1.Status, result1.Error)
	}
	if err := o.assessOrganization(context.Background(), run1, stats1); err != nil {
		t.Fatalf("first assess: %v", err)
	}

	// The second run re-reads the same activity with the watermark advanced.
	wm := st.watermarks[conn.ID]
	conn.LastRunAt = &wm

	run2 := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	result2, stats2 := o.runConnection(context.Background(), run2, base.Add(2*time.Hour), &conn)
	if result2.Status != models.JobSucceeded {
		t.Fatalf("second run status = %s (%s), want succeeded", result2.Status, result2.Error)
	}
	if err := o.assessOrganization(context.Background(), run2, stats2); err != nil {
		t.Fatalf("second assess: %v", err)
	}

	if len(st.automations) != 1 {
		t.Fatalf("stored %d automations, want 1", len(st.automations))
	}
	var record *models.AutomationRecord
	for _, r := range st.automations {
		record = r
	}
	if record.EventCount != 3 {
		t.Errorf("event_count = %d after rerun, want 3: re-observed activity must not double count", record.EventCount)
	}

	if len(st.assessments) != 2 {
		t.Fatalf("persisted %d assessments, want one per run", len(st.assessments))
	}
	if st.assessments[0].Score != st.assessments[1].Score {
		t.Errorf("scores diverged across reruns: %d then %d",
			st.assessments[0].Score, st.assessments[1].Score)
	}
}

func TestExecute_ProgressUpdatesAreConsistentSnapshots(t *testing.T) {
	st := newFakeStore()
	orgID := uuid.New()
	for i := 0; i < 4; i++ {
		st.connections = append(st.connections, slackConnection(orgID))
	}

	connector := &fakeConnector{
		platform: models.PlatformSlack,
		events: []connectors.RawAutomationEvent{
			{NativeID: "B1", Payload: map[string]interface{}{"name": "sync-bot"}},
		},
		noActivity: true,
	}
	coord := &snapshotCoord{}
	o := testOrchestrator(t, st, coord, &fakeCreds{}, connector, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID, Status: models.RunPending}
	st.runs[run.ID] = run
	o.execute(run)

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.received) == 0 {
		t.Fatal("no progress updates published")
	}
	for i, p := range coord.received {
		if len(p.Jobs) != coord.jobsSeen[i] {
			t.Fatalf("progress update %d grew from %d to %d jobs after publication", i, coord.jobsSeen[i], len(p.Jobs))
		}
		if p.CompletedJobs != len(p.Jobs) {
			t.Errorf("progress update %d: completed_jobs = %d with %d job details", i, p.CompletedJobs, len(p.Jobs))
		}
	}
}

func TestAssessOrganization_ChainsAndEscalation(t *testing.T) {
	st := newFakeStore()
	emitter := &captureEmitter{}
	orgID := uuid.New()
	connID := uuid.New()
	now := time.Now()

	// Two AI-tagged records sharing a creator form a chain; the second one had
	// a prior low assessment so the new score escalates it.
	a := &models.AutomationRecord{
		ID:             uuid.New(),
		ConnectionID:   connID,
		OrganizationID: orgID,
		Platform:       models.PlatformSlack,
		NativeID:       "B1",
		DisplayName:    "reader",
		CreatorID:      "U1",
		Permissions:    models.StringArray{"read_files", "read_messages"},
		AIProviders:    models.StringArray{"openai"},
		FirstSeenAt:    now,
		LastSeenAt:     now,
		EventCount:     10,
	}
	b := &models.AutomationRecord{
		ID:             uuid.New(),
		ConnectionID:   connID,
		OrganizationID: orgID,
		Platform:       models.PlatformSlack,
		NativeID:       "B2",
		DisplayName:    "forwarder",
		CreatorID:      "U1",
		Permissions:    models.StringArray{"send_email"},
		FirstSeenAt:    now,
		LastSeenAt:     now,
	}
	st.automations[connID.String()+"/B1"] = a
	st.automations[connID.String()+"/B2"] = b
	st.latest[b.ID] = &models.RiskAssessment{AutomationID: b.ID, Score: 10, Level: models.RiskLow}

	o := testOrchestrator(t, st, &fakeCoord{}, &fakeCreds{}, &fakeConnector{platform: models.PlatformSlack}, emitter)

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: orgID}
	stats := map[uuid.UUID]windowStat{
		a.ID: {Events: 10, OffHours: 10},
	}

	if err := o.assessOrganization(context.Background(), run, stats); err != nil {
		t.Fatalf("assess: %v", err)
	}

	if len(st.assessments) != 2 {
		t.Fatalf("persisted %d assessments, want 2", len(st.assessments))
	}
	for _, assessment := range st.assessments {
		if assessment.RunID != run.ID {
			t.Errorf("assessment run = %s, want %s", assessment.RunID, run.ID)
		}
		if assessment.ChainScore == 0 {
			t.Errorf("assessment for %s missing the chain component", assessment.AutomationID)
		}
	}

	if !st.chainsSet || len(st.chains) != 1 {
		t.Fatalf("chains = %v, want exactly one shared-identity chain", st.chains)
	}
	if st.chains[0].Basis != models.BasisSharedIdentity {
		t.Errorf("chain basis = %s, want shared_identity", st.chains[0].Basis)
	}
	if emitter.chainEvents != 1 {
		t.Errorf("chain events = %d, want 1", emitter.chainEvents)
	}

	escalated := false
	for _, id := range emitter.escalations {
		if id == b.ID {
			escalated = true
		}
	}
	if !escalated {
		t.Error("expected an escalation event for the record whose band rose")
	}
}

func TestAssessOrganization_EmptyOrgClearsChains(t *testing.T) {
	st := newFakeStore()
	o := testOrchestrator(t, st, &fakeCoord{}, &fakeCreds{}, &fakeConnector{platform: models.PlatformSlack}, &captureEmitter{})

	run := &models.DiscoveryRun{ID: uuid.New(), OrganizationID: uuid.New()}
	if err := o.assessOrganization(context.Background(), run, nil); err != nil {
		t.Fatalf("assess: %v", err)
	}
	if !st.chainsSet {
		t.Error("chains not cleared for an organization with no automations")
	}
	if len(st.chains) != 0 {
		t.Errorf("chains = %v, want none", st.chains)
	}
}
