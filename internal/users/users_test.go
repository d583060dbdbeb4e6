package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

type fakeRepo struct {
	mu      sync.Mutex
	users   map[string]*models.UserInfo
	lookups int
	creates int
	err     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*models.UserInfo)}
}

func (r *fakeRepo) GetUserByPhone(ctx context.Context, phone string) (*models.UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.err != nil {
		return nil, r.err
	}
	u, ok := r.users[phone]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepo) CreatePendingUser(ctx context.Context, phone string) (*models.UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if _, ok := r.users[phone]; ok {
		return nil, store.ErrConflict
	}
	u := &models.UserInfo{ID: "id-" + phone, PhoneNumber: phone, Status: models.StatusPending, OnboardingToken: "tok"}
	r.users[phone] = u
	cp := *u
	return &cp, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCache_ActiveUserCachedUntilTTL(t *testing.T) {
	repo := newFakeRepo()
	repo.users["+1"] = &models.UserInfo{PhoneNumber: "+1", Status: models.StatusActive, UserID: "u1"}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewCache(repo, WithTTL(15*time.Second), WithClock(clock.now))

	for i := 0; i < 3; i++ {
		u, err := c.Lookup(context.Background(), "+1")
		if err != nil || u == nil || u.UserID != "u1" {
			t.Fatalf("unexpected lookup result: %+v (%v)", u, err)
		}
	}
	if repo.lookups != 1 {
		t.Errorf("expected 1 repo lookup while fresh, got %d", repo.lookups)
	}

	clock.advance(15 * time.Second)
	c.Lookup(context.Background(), "+1")
	if repo.lookups != 2 {
		t.Errorf("expected expired entry to be refetched, got %d lookups", repo.lookups)
	}
}

func TestCache_PendingUsersNotCached(t *testing.T) {
	repo := newFakeRepo()
	repo.users["+1"] = &models.UserInfo{PhoneNumber: "+1", Status: models.StatusOnboarding}
	c := NewCache(repo)

	c.Lookup(context.Background(), "+1")
	c.Lookup(context.Background(), "+1")
	if repo.lookups != 2 {
		t.Errorf("onboarding users must always be re-read, got %d lookups", repo.lookups)
	}
}

func TestCache_NotFoundMarker(t *testing.T) {
	repo := newFakeRepo()
	c := NewCache(repo)

	u, err := c.Lookup(context.Background(), "+9")
	if err != nil || u != nil {
		t.Fatalf("expected (nil, nil), got %+v (%v)", u, err)
	}
	c.Lookup(context.Background(), "+9")
	if repo.lookups != 1 {
		t.Errorf("not-found marker should be cached, got %d lookups", repo.lookups)
	}

	// Creating the user invalidates the marker.
	if _, err := c.Create(context.Background(), "+9"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	u, _ = c.Lookup(context.Background(), "+9")
	if u == nil || u.Status != models.StatusPending {
		t.Errorf("expected fresh pending user after create, got %+v", u)
	}
}

func TestCache_CreateConflict(t *testing.T) {
	repo := newFakeRepo()
	repo.users["+1"] = &models.UserInfo{PhoneNumber: "+1", Status: models.StatusActive, UserID: "u1"}
	c := NewCache(repo)

	_, err := c.Create(context.Background(), "+1")
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestCache_InvalidateForcesRefetch(t *testing.T) {
	repo := newFakeRepo()
	repo.users["+1"] = &models.UserInfo{PhoneNumber: "+1", Status: models.StatusActive, UserID: "u1"}
	c := NewCache(repo)

	c.Lookup(context.Background(), "+1")
	c.Invalidate("+1")
	c.Lookup(context.Background(), "+1")
	if repo.lookups != 2 {
		t.Errorf("expected refetch after invalidate, got %d lookups", repo.lookups)
	}
}

func TestCache_RepoErrorNotCached(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("connection refused")
	c := NewCache(repo)

	if _, err := c.Lookup(context.Background(), "+1"); err == nil {
		t.Fatal("expected error")
	}
	repo.err = nil
	if u, err := c.Lookup(context.Background(), "+1"); err != nil || u != nil {
		t.Errorf("expected clean not-found after recovery, got %+v (%v)", u, err)
	}
	if repo.lookups != 2 {
		t.Errorf("errors must not be cached, got %d lookups", repo.lookups)
	}
}

func TestBuildProfileContext(t *testing.T) {
	if got := BuildProfileContext(nil); got != "" {
		t.Errorf("expected empty context for nil profile, got %q", got)
	}
	if got := BuildProfileContext(&models.Profile{}); got != "" {
		t.Errorf("expected empty context for empty profile, got %q", got)
	}

	yoe := 12
	p := &models.Profile{
		FullName:                "Sam Lee",
		JobTitle:                "Head of Product",
		JobCompanyName:          "Acme",
		JobCompanySize:          "51-200",
		JobCompanyType:          "private",
		JobTitleRole:            "product",
		JobTitleSubRole:         "product_management",
		JobTitleLevels:          []string{"director", "senior"},
		InferredYearsExperience: &yoe,
		EducationSchool:         "State University",
		EducationMajors:         []string{"economics"},
		LocationLocality:        "sydney",
		LocationRegion:          "new south wales",
		Interests:               []string{"sailing", "chess"},
	}
	got := BuildProfileContext(p)
	want := []string{
		"Name: Sam Lee",
		"Current Title: Head of Product",
		"Company: Acme (51-200 employees) [private]",
		"Role Category: product / product_management",
		"Seniority: director, senior",
		"Years of Experience: ~12",
		"University: State University (economics)",
		"Location: sydney, new south wales",
		"Interests: sailing, chess",
	}
	if got != strings.Join(want, "\n") {
		t.Errorf("unexpected context:\n%s\nwant:\n%s", got, strings.Join(want, "\n"))
	}

	p.LocationName = "Sydney, Australia"
	if !strings.Contains(BuildProfileContext(p), "Location: Sydney, Australia") {
		t.Error("location_name should take precedence over locality")
	}
}
