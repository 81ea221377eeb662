package application

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

func noBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// --- credential store ---

type fakeCredentialStore struct {
	mu      sync.Mutex
	nextID  int64
	creds   map[int64]*model.Credential
	updates int
	touched []touchCall
}

type touchCall struct {
	id       int64
	syncedAt time.Time
	activity *time.Time
}

func newFakeCredentialStore(creds ...model.Credential) *fakeCredentialStore {
	s := &fakeCredentialStore{creds: make(map[int64]*model.Credential)}
	for _, c := range creds {
		if _, err := s.Save(context.Background(), c); err != nil {
			panic(err)
		}
	}
	return s
}

func (s *fakeCredentialStore) find(key model.CredentialKey) *model.Credential {
	for _, c := range s.creds {
		if c.Key() == key {
			return c
		}
	}
	return nil
}

func (s *fakeCredentialStore) Save(_ context.Context, cred model.Credential) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.find(cred.Key()); existing != nil {
		cred.ID = existing.ID
		if cred.RefreshToken == "" {
			cred.RefreshToken = existing.RefreshToken
		}
	} else {
		s.nextID++
		cred.ID = s.nextID
	}
	if cred.Status == "" {
		cred.Status = model.CredentialStatusActive
	}
	if cred.AccountID == "" {
		cred.AccountID = cred.Email
	}
	c := cred
	s.creds[c.ID] = &c
	return c, nil
}

func (s *fakeCredentialStore) Get(_ context.Context, key model.CredentialKey) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.find(key); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeCredentialStore) GetByID(_ context.Context, id int64) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeCredentialStore) FindByAccountID(_ context.Context, provider model.Provider, accountID string) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.Provider == provider && c.AccountID == accountID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeCredentialStore) UpdateTokens(_ context.Context, key model.CredentialKey, grant model.TokenGrant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(key)
	if c == nil || grant.Expiry.Before(c.Expiry) {
		return false, nil
	}
	s.updates++
	c.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		c.RefreshToken = grant.RefreshToken
	}
	c.Expiry = grant.Expiry
	return true, nil
}

func (s *fakeCredentialStore) MarkReauthRequired(_ context.Context, key model.CredentialKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.find(key); c != nil {
		c.Status = model.CredentialStatusReauthRequired
	}
	return nil
}

func (s *fakeCredentialStore) TouchSync(_ context.Context, id int64, syncedAt time.Time, activityAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, touchCall{id: id, syncedAt: syncedAt, activity: activityAt})
	if c, ok := s.creds[id]; ok {
		c.LastSyncAt = &syncedAt
		if activityAt != nil {
			c.LastActivityAt = activityAt
		}
	}
	return nil
}

func (s *fakeCredentialStore) List(_ context.Context) ([]model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b model.Credential) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *fakeCredentialStore) ListActive(ctx context.Context) ([]model.Credential, error) {
	all, _ := s.List(ctx)
	var out []model.Credential
	for _, c := range all {
		if c.Status == model.CredentialStatusActive {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- mapping store ---

type fakeMappingStore struct {
	mu       sync.Mutex
	nextID   int64
	mappings map[int64]model.Mapping
	// beforeUpsert runs before each Upsert is applied, simulating a
	// concurrent writer in another process.
	beforeUpsert func(s *fakeMappingStore, m model.Mapping)
	// upsertErr, when set, is returned by every Upsert.
	upsertErr error
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{mappings: make(map[int64]model.Mapping)}
}

func (s *fakeMappingStore) insertLocked(m model.Mapping) model.Mapping {
	s.nextID++
	m.ID = s.nextID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.UpdatedAt = m.CreatedAt
	s.mappings[m.ID] = m
	return m
}

func (s *fakeMappingStore) FindByExternalID(_ context.Context, provider model.Provider, externalID string) (*model.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.Provider == provider && m.ExternalID == externalID {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *fakeMappingStore) FindByInternalID(_ context.Context, internalID string, provider model.Provider) (*model.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.Provider == provider && m.InternalID == internalID {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *fakeMappingStore) Upsert(_ context.Context, m model.Mapping) (model.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeUpsert != nil {
		s.beforeUpsert(s, m)
	}
	if s.upsertErr != nil {
		return model.Mapping{}, s.upsertErr
	}
	for id, existing := range s.mappings {
		if existing.Provider == m.Provider && existing.ExternalID == m.ExternalID {
			existing.ETag = m.ETag
			existing.Status = m.Status
			existing.UpdatedAt = time.Now()
			s.mappings[id] = existing
			return existing, nil
		}
	}
	for _, existing := range s.mappings {
		if existing.Provider == m.Provider && existing.InternalID == m.InternalID {
			return model.Mapping{}, driven.ErrMappingConflict
		}
	}
	return s.insertLocked(m), nil
}

func (s *fakeMappingStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, id)
	return nil
}

func (s *fakeMappingStore) ListByCredential(_ context.Context, credentialID int64) ([]model.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Mapping
	for _, m := range s.mappings {
		if m.CredentialID == credentialID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMappingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

// --- record stores ---

type fakeAppointmentStore struct {
	mu       sync.Mutex
	seq      int
	records  map[string]model.Appointment
	mappings *fakeMappingStore
}

func newFakeAppointmentStore(mappings *fakeMappingStore) *fakeAppointmentStore {
	return &fakeAppointmentStore{records: make(map[string]model.Appointment), mappings: mappings}
}

func (s *fakeAppointmentStore) Create(_ context.Context, a model.Appointment) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		s.seq++
		a.ID = fmt.Sprintf("appt-%d", s.seq)
	}
	s.records[a.ID] = a
	return a, nil
}

func (s *fakeAppointmentStore) Update(_ context.Context, a model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[a.ID] = a
	return nil
}

func (s *fakeAppointmentStore) Get(_ context.Context, id string) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.records[id]; ok {
		return &a, nil
	}
	return nil, nil
}

func (s *fakeAppointmentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeAppointmentStore) ListByCredential(_ context.Context, credentialID int64) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, a := range s.records {
		if a.CredentialID == credentialID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b model.Appointment) int { return a.StartAt.Compare(b.StartAt) })
	return out, nil
}

func (s *fakeAppointmentStore) ListUnmapped(ctx context.Context, credentialID int64, provider model.Provider) ([]model.Appointment, error) {
	all, _ := s.ListByCredential(ctx, credentialID)
	var out []model.Appointment
	for _, a := range all {
		if a.Cancelled {
			continue
		}
		if m, _ := s.mappings.FindByInternalID(ctx, a.ID, provider); m == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeAppointmentStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeMessageStore struct {
	mu       sync.Mutex
	seq      int
	records  map[string]model.Message
	mappings *fakeMappingStore
}

func newFakeMessageStore(mappings *fakeMappingStore) *fakeMessageStore {
	return &fakeMessageStore{records: make(map[string]model.Message), mappings: mappings}
}

func (s *fakeMessageStore) Create(_ context.Context, m model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		s.seq++
		m.ID = fmt.Sprintf("msg-%d", s.seq)
	}
	s.records[m.ID] = m
	return m, nil
}

func (s *fakeMessageStore) Update(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[m.ID] = m
	return nil
}

func (s *fakeMessageStore) Get(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.records[id]; ok {
		return &m, nil
	}
	return nil, nil
}

func (s *fakeMessageStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeMessageStore) ListByCredential(_ context.Context, credentialID int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.records {
		if m.CredentialID == credentialID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.Message) int { return a.SentAt.Compare(b.SentAt) })
	return out, nil
}

func (s *fakeMessageStore) ListUnmapped(ctx context.Context, credentialID int64, provider model.Provider) ([]model.Message, error) {
	all, _ := s.ListByCredential(ctx, credentialID)
	var out []model.Message
	for _, m := range all {
		if mp, _ := s.mappings.FindByInternalID(ctx, m.ID, provider); mp == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMessageStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// --- sync run store ---

type fakeSyncRunStore struct {
	mu   sync.Mutex
	runs []model.SyncRun
}

func (s *fakeSyncRunStore) Create(_ context.Context, run model.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeSyncRunStore) Complete(_ context.Context, run model.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == run.ID && s.runs[i].CompletedAt == nil {
			s.runs[i] = run
			return nil
		}
	}
	return fmt.Errorf("run %s not found or already complete", run.ID)
}

func (s *fakeSyncRunStore) ListByCredential(_ context.Context, credentialID int64, limit int) ([]model.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SyncRun
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.runs[i].CredentialID == credentialID {
			out = append(out, s.runs[i])
		}
	}
	return out, nil
}

func (s *fakeSyncRunStore) Latest(ctx context.Context, credentialID int64) (*model.SyncRun, error) {
	runs, _ := s.ListByCredential(ctx, credentialID, 1)
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// --- provider adapter ---

// listItem is one element of a fake listing: a value or an error.
type listItem[T any] struct {
	val T
	err error
}

type fakeAdapter struct {
	provider model.Provider

	refreshCalls atomic.Int32
	refreshFn    func(ctx context.Context, refreshToken string) (model.TokenGrant, error)
	exchangeFn   func(ctx context.Context, code, redirectURL string) (model.TokenGrant, error)
	identity     model.AccountIdentity

	mu         sync.Mutex
	events     []listItem[model.CanonicalEvent]
	messages   []listItem[model.CanonicalMessage]
	listCalls  int
	listErrs   []error // returned by successive ListEvents calls before the items
	listGate   chan struct{}
	created    []model.CanonicalEvent
	sent       []model.CanonicalMessage
	createGate chan struct{}
	// onCreate runs after the remote object exists but before CreateEvent
	// returns, like a webhook arriving mid-export.
	onCreate  func(externalID string)
	objects   map[string]model.RemoteObject
	fetchErrs []error

	verifyErr error
	deltas    []model.Delta
	parseErr  error
}

var _ driven.ProviderAdapter = (*fakeAdapter)(nil)

func newFakeAdapter(provider model.Provider) *fakeAdapter {
	return &fakeAdapter{provider: provider, objects: make(map[string]model.RemoteObject)}
}

func (a *fakeAdapter) Provider() model.Provider { return a.provider }

func (a *fakeAdapter) Refresh(ctx context.Context, refreshToken string) (model.TokenGrant, error) {
	a.refreshCalls.Add(1)
	if a.refreshFn == nil {
		return model.TokenGrant{}, fmt.Errorf("unexpected refresh")
	}
	return a.refreshFn(ctx, refreshToken)
}

func (a *fakeAdapter) Exchange(ctx context.Context, code, redirectURL string) (model.TokenGrant, error) {
	return a.exchangeFn(ctx, code, redirectURL)
}

func (a *fakeAdapter) AccountIdentity(context.Context, string) (model.AccountIdentity, error) {
	return a.identity, nil
}

func (a *fakeAdapter) ListEvents(context.Context, model.Credential, string, model.TimeWindow) iter.Seq2[model.CanonicalEvent, error] {
	return func(yield func(model.CanonicalEvent, error) bool) {
		a.mu.Lock()
		a.listCalls++
		var failWith error
		if len(a.listErrs) > 0 {
			failWith, a.listErrs = a.listErrs[0], a.listErrs[1:]
		}
		items := slices.Clone(a.events)
		gate := a.listGate
		a.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if failWith != nil {
			yield(model.CanonicalEvent{}, failWith)
			return
		}
		for _, it := range items {
			if !yield(it.val, it.err) {
				return
			}
		}
	}
}

func (a *fakeAdapter) CreateEvent(_ context.Context, _ model.Credential, _ string, ev model.CanonicalEvent) (string, string, error) {
	if a.createGate != nil {
		<-a.createGate
	}
	a.mu.Lock()
	a.created = append(a.created, ev)
	id := fmt.Sprintf("remote-ev-%d", len(a.created))
	remote := ev
	remote.ExternalID = id
	a.objects[id] = model.RemoteObject{Kind: model.KindAppointment, Event: &remote}
	hook := a.onCreate
	a.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return id, `"1"`, nil
}

func (a *fakeAdapter) ListMessages(context.Context, model.Credential, string, int) iter.Seq2[model.CanonicalMessage, error] {
	return func(yield func(model.CanonicalMessage, error) bool) {
		a.mu.Lock()
		items := slices.Clone(a.messages)
		a.mu.Unlock()
		for _, it := range items {
			if !yield(it.val, it.err) {
				return
			}
		}
	}
}

func (a *fakeAdapter) SendMessage(_ context.Context, _ model.Credential, _ string, msg model.CanonicalMessage) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return fmt.Sprintf("remote-msg-%d", len(a.sent)), nil
}

func (a *fakeAdapter) FetchObject(_ context.Context, _ model.Credential, _ string, _ model.RecordKind, externalID string) (model.RemoteObject, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.fetchErrs) > 0 {
		err := a.fetchErrs[0]
		a.fetchErrs = a.fetchErrs[1:]
		return model.RemoteObject{}, err
	}
	obj, ok := a.objects[externalID]
	if !ok {
		return model.RemoteObject{}, driven.ErrRemoteNotFound
	}
	return obj, nil
}

func (a *fakeAdapter) Challenge(query url.Values) (string, bool) {
	v := query.Get("challenge")
	return v, v != ""
}

func (a *fakeAdapter) VerifyWebhook(http.Header, url.Values, []byte, string) error {
	return a.verifyErr
}

func (a *fakeAdapter) ParseDeltas(http.Header, []byte) ([]model.Delta, error) {
	return a.deltas, a.parseErr
}

func (a *fakeAdapter) createdCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.created)
}

// --- fixture ---

type fixture struct {
	creds      *fakeCredentialStore
	mappings   *fakeMappingStore
	appts      *fakeAppointmentStore
	messages   *fakeMessageStore
	runs       *fakeSyncRunStore
	adapter    *fakeAdapter
	registry   *ProviderRegistry
	tokens     *TokenManager
	reconciler *Reconciler
	sync       *SyncService
	cred       model.Credential
}

func newFixture() *fixture {
	f := &fixture{
		mappings: newFakeMappingStore(),
		runs:     &fakeSyncRunStore{},
		adapter:  newFakeAdapter(model.ProviderGoogle),
	}
	f.appts = newFakeAppointmentStore(f.mappings)
	f.messages = newFakeMessageStore(f.mappings)
	f.creds = newFakeCredentialStore(model.Credential{
		OwnerID:      "owner-1",
		Provider:     model.ProviderGoogle,
		Email:        "rep@example.com",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
	})
	cred, _ := f.creds.GetByID(context.Background(), 1)
	f.cred = *cred
	f.registry = NewProviderRegistry(f.adapter)
	f.tokens = NewTokenManager(f.creds, f.registry, 5*time.Second)
	f.tokens.newBackOff = noBackOff
	f.reconciler = NewReconciler(f.mappings, f.appts, f.messages)
	f.sync = NewSyncService(f.creds, f.runs, f.appts, f.messages, f.registry, f.tokens, f.reconciler, SyncOptions{
		Window:       30 * 24 * time.Hour,
		RunTimeout:   5 * time.Second,
		MessageLimit: 50,
	})
	f.sync.newBackOff = noBackOff
	return f
}

func testEvent(id, title string, start time.Time) model.CanonicalEvent {
	return model.CanonicalEvent{
		ExternalID: id,
		Title:      title,
		Start:      start,
		End:        start.Add(30 * time.Minute),
		Location:   "HQ",
	}
}
