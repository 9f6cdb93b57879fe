package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/unclebandit/campaign-engine/internal/channel"
	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// clock is a settable time source shared by services under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// store is an in-memory database behind the fake repositories. It applies the
// same claim and status guards as the SQL repositories.
type store struct {
	mu          sync.Mutex
	campaigns   map[string]*model.Campaign
	contacts    map[string]*model.Contact
	enrollments map[string]*model.Enrollment
	scores      map[string]map[model.ScoreField]float64

	campaignLoads int
	contactErr    map[string]error
}

func newStore() *store {
	return &store{
		campaigns:   map[string]*model.Campaign{},
		contacts:    map[string]*model.Contact{},
		enrollments: map[string]*model.Enrollment{},
		scores:      map[string]map[model.ScoreField]float64{},
		contactErr:  map[string]error{},
	}
}

func (s *store) addCampaign(c model.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = &c
}

func (s *store) addContact(c model.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = &c
}

func (s *store) addEnrollment(e model.Enrollment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[e.ID] = &e
}

func (s *store) enrollment(id string) model.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.enrollments[id]
}

func (s *store) campaign(id string) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *store) contact(id string) model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.contacts[id]
}

type campaignRepo struct{ *store }

func (r campaignRepo) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaignLoads++
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r campaignRepo) ListCampaigns(_ context.Context, offset, limit int, campaignType, status string) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.campaigns {
		if campaignType != "" && string(c.Type) != campaignType {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	return all[offset:min(offset+limit, len(all))], len(all), nil
}

func (r campaignRepo) UpdateStatus(_ context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return appErrors.ErrStateChanged
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return nil
		}
	}
	return appErrors.ErrStateChanged
}

type contactRepo struct{ *store }

func (r contactRepo) GetByID(_ context.Context, id string) (*model.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.contactErr[id]; err != nil {
		return nil, err
	}
	c, ok := r.contacts[id]
	if !ok {
		return nil, appErrors.NewContactNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r contactRepo) ListAudience(_ context.Context, q model.AudienceQuery) ([]model.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Contact
	for _, c := range r.contacts {
		if c.TenantID != q.TenantID {
			continue
		}
		if q.TagID != "" && !hasTag(c.TagIDs, q.TagID) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r contactRepo) AddTag(_ context.Context, contactID, tagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.contacts[contactID]
	if !hasTag(c.TagIDs, tagID) {
		c.TagIDs = append(c.TagIDs, tagID)
	}
	return nil
}

func (r contactRepo) RemoveTag(_ context.Context, contactID, tagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.contacts[contactID]
	kept := c.TagIDs[:0]
	for _, t := range c.TagIDs {
		if t != tagID {
			kept = append(kept, t)
		}
	}
	c.TagIDs = kept
	return nil
}

func (r contactRepo) UpsertScore(_ context.Context, contactID string, field model.ScoreField, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scores[contactID] == nil {
		r.scores[contactID] = map[model.ScoreField]float64{}
	}
	r.scores[contactID][field] = value
	return nil
}

func hasTag(tags []string, id string) bool {
	for _, t := range tags {
		if t == id {
			return true
		}
	}
	return false
}

type enrollmentRepo struct{ *store }

func (r enrollmentRepo) Create(_ context.Context, e *model.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.enrollments {
		if x.CampaignID == e.CampaignID && x.ContactID == e.ContactID && !x.Status.Terminal() {
			return appErrors.ErrAlreadyEnrolled
		}
	}
	cp := *e
	r.enrollments[e.ID] = &cp
	return nil
}

func (r enrollmentRepo) GetByID(_ context.Context, id string) (*model.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return nil, appErrors.NewEnrollmentNotFound(id)
	}
	cp := *e
	return &cp, nil
}

func (r enrollmentRepo) FindInFlight(_ context.Context, campaignID, contactID string) (*model.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.enrollments {
		if e.CampaignID == campaignID && e.ContactID == contactID && !e.Status.Terminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r enrollmentRepo) FindDue(_ context.Context, now time.Time, limit int) ([]model.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []model.Enrollment
	for _, e := range r.enrollments {
		c, ok := r.campaigns[e.CampaignID]
		if !ok || c.Status != model.CampaignActive || e.Status != model.EnrollmentActive {
			continue
		}
		if e.NextStepAt.After(now) {
			continue
		}
		if e.ClaimedUntil != nil && !e.ClaimedUntil.Before(now) {
			continue
		}
		due = append(due, *e)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextStepAt.Equal(due[j].NextStepAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextStepAt.Before(due[j].NextStepAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r enrollmentRepo) Claim(_ context.Context, id string, version int64, token string, now, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok || e.Version != version || e.Status != model.EnrollmentActive {
		return false, nil
	}
	if e.ClaimedUntil != nil && !e.ClaimedUntil.Before(now) {
		return false, nil
	}
	e.Version++
	e.ClaimToken = token
	e.ClaimedUntil = &until
	return true, nil
}

func (r enrollmentRepo) Release(_ context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.enrollments[id]; ok && e.ClaimToken == token {
		e.ClaimToken = ""
		e.ClaimedUntil = nil
	}
	return nil
}

func (r enrollmentRepo) owned(id, token string) (*model.Enrollment, error) {
	e, ok := r.enrollments[id]
	if !ok || e.ClaimToken != token || e.Status != model.EnrollmentActive {
		return nil, appErrors.ErrClaimLost
	}
	return e, nil
}

func (r enrollmentRepo) Advance(_ context.Context, id, token string, nextStep int, nextStepAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.owned(id, token)
	if err != nil {
		return err
	}
	e.CurrentStep = nextStep
	e.NextStepAt = nextStepAt
	e.Version++
	e.ClaimToken = ""
	e.ClaimedUntil = nil
	return nil
}

func (r enrollmentRepo) Complete(_ context.Context, id, token string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.owned(id, token)
	if err != nil {
		return err
	}
	e.Status = model.EnrollmentCompleted
	e.CompletedAt = &at
	e.Version++
	e.ClaimToken = ""
	e.ClaimedUntil = nil
	return nil
}

func (r enrollmentRepo) Transition(_ context.Context, id string, from []model.EnrollmentStatus, to model.EnrollmentStatus, at time.Time) (*model.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return nil, appErrors.NewEnrollmentNotFound(id)
	}
	for _, f := range from {
		if e.Status != f {
			continue
		}
		e.Status = to
		e.Version++
		e.ClaimToken = ""
		e.ClaimedUntil = nil
		if to.Terminal() {
			e.CompletedAt = &at
		}
		cp := *e
		return &cp, nil
	}
	return nil, appErrors.ErrStateChanged
}

func (r enrollmentRepo) CountByStatus(_ context.Context, campaignID string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, e := range r.enrollments {
		if e.CampaignID == campaignID {
			out[string(e.Status)]++
		}
	}
	return out, nil
}

// staticCampaign serves one campaign without a store.
type staticCampaign struct{ c model.Campaign }

func (s staticCampaign) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	if id != s.c.ID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	c := s.c
	return &c, nil
}

func (s staticCampaign) ListCampaigns(context.Context, int, int, string, string) ([]*model.Campaign, int, error) {
	return []*model.Campaign{&s.c}, 1, nil
}

func (s staticCampaign) UpdateStatus(context.Context, string, []model.CampaignStatus, model.CampaignStatus) error {
	return nil
}

var (
	_ repository.CampaignRepositoryInterface   = staticCampaign{}
	_ repository.CampaignRepositoryInterface   = campaignRepo{}
	_ repository.ContactRepositoryInterface    = contactRepo{}
	_ repository.EnrollmentRepositoryInterface = enrollmentRepo{}
)

// sent is one message accepted by fakeChannel.
type sent struct {
	To       string
	Msg      model.MessageContent
	RetryKey string
}

type fakeChannel struct {
	mu         sync.Mutex
	sends      []sent
	multicasts [][]string
	attempts   []sent
	failTo     map[string]error
	failChunk  map[int]error
	onSend     func(to string)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{failTo: map[string]error{}, failChunk: map[int]error{}}
}

func (f *fakeChannel) Send(ctx context.Context, to string, msg model.MessageContent) error {
	if f.onSend != nil {
		f.onSend(to)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, sent{To: to, Msg: msg, RetryKey: channel.RetryKey(ctx)})
	if err := f.failTo[to]; err != nil {
		return &channel.RecipientError{Recipient: to, Err: err}
	}
	f.sends = append(f.sends, sent{To: to, Msg: msg, RetryKey: channel.RetryKey(ctx)})
	return nil
}

func (f *fakeChannel) Multicast(_ context.Context, to []string, _ model.MessageContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.multicasts)
	f.multicasts = append(f.multicasts, append([]string(nil), to...))
	return f.failChunk[idx]
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeChannel) sentTo(to string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sends {
		if s.To == to {
			n++
		}
	}
	return n
}

type historySpy struct {
	mu   sync.Mutex
	rows []model.MessageHistory
}

func (h *historySpy) Append(_ context.Context, m model.MessageHistory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = append(h.rows, m)
}

func (h *historySpy) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rows)
}

// flowCounter records Invalidate calls.
type flowCounter struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *flowCounter) Invalidate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
}

func textStep(order int, text string, d model.Delay) model.Step {
	content, _ := json.Marshal(model.MessageContent{Type: "text", Text: text})
	return model.Step{
		ID:      fmt.Sprintf("step-%d", order),
		Order:   order,
		Type:    model.StepMessage,
		Delay:   d,
		Content: content,
	}
}

func actionStep(order int, a model.ActionContent) model.Step {
	content, _ := json.Marshal(a)
	return model.Step{ID: fmt.Sprintf("step-%d", order), Order: order, Type: model.StepAction, Content: content}
}

func lineContact(id string) model.Contact {
	return model.Contact{
		ID:         id,
		TenantID:   "tenant-1",
		FirstName:  "Aki",
		LineUserID: "U" + id,
		LineOptIn:  true,
	}
}

var errBoom = errors.New("boom")

func intPtr(v int) *int { return &v }
