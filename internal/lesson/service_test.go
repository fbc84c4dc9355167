package lesson

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"lesson-service/internal/metrics"
	"lesson-service/internal/period"
	"lesson-service/internal/testdb"
	"lesson-service/internal/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

var allTables = []string{
	"lesson_child_members",
	"lesson_members",
	"lessons",
	"user_children",
	"user_details",
	"users",
}

func intPtr(v int) *int {
	return &v
}

type fixture struct {
	lessons Repository
	users   user.Repository
	service *Service
}

func newFixture(t *testing.T, pg *testdb.PostgresContainer, cfg Config) *fixture {
	t.Helper()

	m := metrics.NewMock()
	lessonRepo := NewRepository(pg.DB, m)
	userRepo := user.NewRepository(pg.DB, m)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		lessons: lessonRepo,
		users:   userRepo,
		service: NewService(lessonRepo, userRepo, cfg, nil, logger),
	}
}

func openWindow(now time.Time) Config {
	return Config{
		Period: period.Period{Year: 2025, Season: 1},
		Window: period.Window{Start: now.Add(-time.Hour), TestStart: now.Add(-2 * time.Hour)},
		Clock:  fakeClock{now: now},
	}
}

func (f *fixture) createUser(t *testing.T, username string, isAdmin bool) *user.User {
	t.Helper()
	u, err := f.users.Create(context.Background(), &user.User{
		Username: username,
		Password: "hashed",
		IsActive: true,
		IsAdmin:  isAdmin,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) createChild(t *testing.T, parentID int, lastName, firstName string) *user.Child {
	t.Helper()
	child, err := f.users.AddChild(context.Background(), &user.Child{
		UserID:    parentID,
		LastName:  lastName,
		FirstName: firstName,
	})
	require.NoError(t, err)
	return child
}

func (f *fixture) createLesson(t *testing.T, number int, category string, capacity *int) *Lesson {
	t.Helper()
	lesson, err := f.service.CreateLesson(context.Background(), CreateRequest{
		Number:   number,
		Title:    "Lesson",
		Year:     2025,
		Season:   1,
		Category: category,
		Capacity: capacity,
	})
	require.NoError(t, err)
	return lesson
}

func TestEnrollmentService(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := testdb.SetupSharedPostgres(t)
	pg.RunMigrations(t,
		(*user.User)(nil),
		(*user.Detail)(nil),
		(*user.Child)(nil),
		(*Lesson)(nil),
		(*Member)(nil),
		(*ChildMember)(nil),
	)

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, period.JST)

	t.Run("signup appends in order and recomputes capacity", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		bob := f.createUser(t, "bob", false)
		lesson := f.createLesson(t, 1, CategoryStandard, intPtr(10))

		lessons, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		require.Len(t, lessons, 1)

		_, err = f.service.SignUp(ctx, bob.ID, lesson.ID)
		require.NoError(t, err)

		posAlice, err := f.service.PositionOf(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, posAlice.Rank)

		posBob, err := f.service.PositionOf(ctx, bob.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, posBob.Rank)

		updated, err := f.service.GetLesson(ctx, lesson.ID)
		require.NoError(t, err)
		require.NotNil(t, updated.CapacityLeft)
		assert.Equal(t, 8, *updated.CapacityLeft)
	})

	t.Run("signup is idempotent", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		bob := f.createUser(t, "bob", false)
		lesson := f.createLesson(t, 1, CategoryStandard, intPtr(5))

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		_, err = f.service.SignUp(ctx, bob.ID, lesson.ID)
		require.NoError(t, err)

		// second signup keeps the original queue position
		_, err = f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		pos, err := f.service.PositionOf(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, pos.Rank)

		count, err := f.lessons.CountMembers(ctx, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("position is zero when not enrolled", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		lesson := f.createLesson(t, 1, CategoryStandard, nil)

		pos, err := f.service.PositionOf(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, pos.Rank)
	})

	t.Run("window gates users but admits admins from test start", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)

		cfg := Config{
			Period: period.Period{Year: 2025, Season: 1},
			Window: period.Window{Start: now.Add(time.Hour), TestStart: now.Add(-time.Hour)},
			Clock:  fakeClock{now: now},
		}
		f := newFixture(t, pg, cfg)

		alice := f.createUser(t, "alice", false)
		admin := f.createUser(t, "admin", true)
		lesson := f.createLesson(t, 1, CategoryStandard, nil)

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		assert.ErrorIs(t, err, ErrSignupNotOpen)

		_, err = f.service.SignUp(ctx, admin.ID, lesson.ID)
		require.NoError(t, err)
	})

	t.Run("window boundary is inclusive", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)

		cfg := Config{
			Period: period.Period{Year: 2025, Season: 1},
			Window: period.Window{Start: now, TestStart: now.Add(-time.Hour)},
			Clock:  fakeClock{now: now},
		}
		f := newFixture(t, pg, cfg)

		alice := f.createUser(t, "alice", false)
		lesson := f.createLesson(t, 1, CategoryStandard, nil)

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
	})

	t.Run("signup to a lesson of another period fails without mutation", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		stale, err := f.service.CreateLesson(ctx, CreateRequest{
			Number: 9, Title: "Old", Year: 2024, Season: 2,
		})
		require.NoError(t, err)

		_, err = f.service.SignUp(ctx, alice.ID, stale.ID)
		assert.ErrorIs(t, err, ErrWrongPeriod)

		count, err := f.lessons.CountMembers(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("signup of unknown user or lesson fails", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		lesson := f.createLesson(t, 1, CategoryStandard, nil)

		_, err := f.service.SignUp(ctx, 9999, lesson.ID)
		assert.ErrorIs(t, err, ErrUserNotFound)

		_, err = f.service.SignUp(ctx, alice.ID, 9999)
		assert.ErrorIs(t, err, ErrLessonNotFound)
	})

	t.Run("children lesson mirrors all registered children", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		f.createChild(t, alice.ID, "山田", "一郎")
		f.createChild(t, alice.ID, "山田", "二郎")
		lesson := f.createLesson(t, 1, CategoryChildren, intPtr(10))

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		childCount, err := f.lessons.CountChildMembers(ctx, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, childCount)

		// capacity counts children, not the parent
		updated, err := f.service.GetLesson(ctx, lesson.ID)
		require.NoError(t, err)
		require.NotNil(t, updated.CapacityLeft)
		assert.Equal(t, 8, *updated.CapacityLeft)
	})

	t.Run("children lesson position ranks the child queue, last child wins", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		f.createChild(t, alice.ID, "山田", "一郎")
		bob := f.createUser(t, "bob", false)
		f.createChild(t, bob.ID, "田中", "三郎")
		lesson := f.createLesson(t, 1, CategoryChildren, nil)

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		_, err = f.service.SignUp(ctx, bob.ID, lesson.ID)
		require.NoError(t, err)

		// a child registered after the fact enters the queue on re-signup
		f.createChild(t, alice.ID, "山田", "二郎")
		_, err = f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		posBob, err := f.service.PositionOf(ctx, bob.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, posBob.Rank)

		// alice's children hold ranks 1 and 3, the later one wins
		posAlice, err := f.service.PositionOf(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, posAlice.Rank)
	})

	t.Run("cancel removes membership and restores capacity", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		lesson := f.createLesson(t, 1, CategoryStandard, intPtr(5))

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		canceled, err := f.service.Cancel(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		require.NotNil(t, canceled.CapacityLeft)
		assert.Equal(t, 5, *canceled.CapacityLeft)

		pos, err := f.service.PositionOf(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, pos.Rank)
	})

	t.Run("cancel sweeps all children of the parent", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		f.createChild(t, alice.ID, "山田", "一郎")
		f.createChild(t, alice.ID, "山田", "二郎")
		bob := f.createUser(t, "bob", false)
		f.createChild(t, bob.ID, "田中", "三郎")
		lesson := f.createLesson(t, 1, CategoryChildren, nil)

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		_, err = f.service.SignUp(ctx, bob.ID, lesson.ID)
		require.NoError(t, err)

		_, err = f.service.Cancel(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		childCount, err := f.lessons.CountChildMembers(ctx, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, childCount)

		posBob, err := f.service.PositionOf(ctx, bob.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, posBob.Rank)
	})

	t.Run("cancel without membership fails", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		lesson := f.createLesson(t, 1, CategoryStandard, nil)

		_, err := f.service.Cancel(ctx, alice.ID, lesson.ID)
		assert.ErrorIs(t, err, ErrNotSignedUp)
	})

	t.Run("cancel of an outdated lesson fails", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		stale, err := f.service.CreateLesson(ctx, CreateRequest{
			Number: 9, Title: "Old", Year: 2024, Season: 2,
		})
		require.NoError(t, err)

		_, err = f.service.Cancel(ctx, alice.ID, stale.ID)
		assert.ErrorIs(t, err, ErrOutdated)
	})

	t.Run("re-signup after cancel moves to the back of the queue", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		bob := f.createUser(t, "bob", false)
		lesson := f.createLesson(t, 1, CategoryStandard, nil)

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		_, err = f.service.SignUp(ctx, bob.ID, lesson.ID)
		require.NoError(t, err)

		_, err = f.service.Cancel(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		_, err = f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		pos, err := f.service.PositionOf(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, pos.Rank)
	})

	t.Run("capacity enforcement rejects signup to a full lesson", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)

		cfg := openWindow(now)
		cfg.EnforceCapacity = true
		f := newFixture(t, pg, cfg)

		alice := f.createUser(t, "alice", false)
		bob := f.createUser(t, "bob", false)
		lesson := f.createLesson(t, 1, CategoryStandard, intPtr(1))

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		_, err = f.service.SignUp(ctx, bob.ID, lesson.ID)
		assert.ErrorIs(t, err, ErrLessonFull)

		// an enrolled user may still re-signup
		_, err = f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
	})

	t.Run("positions covers every active lesson", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		first := f.createLesson(t, 1, CategoryStandard, nil)
		second := f.createLesson(t, 2, CategoryStandard, nil)

		_, err := f.service.SignUp(ctx, alice.ID, second.ID)
		require.NoError(t, err)

		positions, err := f.service.Positions(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, positions, 2)

		byLesson := map[int]int{}
		for _, p := range positions {
			byLesson[p.LessonID] = p.Rank
		}
		assert.Equal(t, 0, byLesson[first.ID])
		assert.Equal(t, 1, byLesson[second.ID])
	})

	t.Run("refresh capacity recomputes every lesson of the year", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		lesson := f.createLesson(t, 1, CategoryStandard, intPtr(5))

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		// poison the cache and verify refresh restores the invariant
		lesson.CapacityLeft = intPtr(99)
		require.NoError(t, f.lessons.UpdateCapacityLeft(ctx, lesson))

		refreshed, err := f.service.RefreshCapacity(ctx, 2025)
		require.NoError(t, err)
		require.Len(t, refreshed, 1)
		require.NotNil(t, refreshed[0].CapacityLeft)
		assert.Equal(t, 4, *refreshed[0].CapacityLeft)
	})

	t.Run("admin signup bypasses window and period", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)

		cfg := Config{
			Period: period.Period{Year: 2025, Season: 1},
			Window: period.Window{Start: now.Add(time.Hour), TestStart: now.Add(time.Hour)},
			Clock:  fakeClock{now: now},
		}
		f := newFixture(t, pg, cfg)

		alice := f.createUser(t, "alice", false)
		stale, err := f.service.CreateLesson(ctx, CreateRequest{
			Number: 9, Title: "Old", Year: 2024, Season: 2,
		})
		require.NoError(t, err)

		lessons, err := f.service.AdminSignUp(ctx, alice.ID, stale.ID)
		require.NoError(t, err)
		require.Len(t, lessons, 1)
	})

	t.Run("admin remove by username sweeps children too", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		f.createChild(t, alice.ID, "山田", "一郎")
		lesson := f.createLesson(t, 1, CategoryChildren, nil)

		_, err := f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		_, err = f.service.AdminRemove(ctx, "alice", lesson.ID)
		require.NoError(t, err)

		count, err := f.lessons.CountMembers(ctx, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		childCount, err := f.lessons.CountChildMembers(ctx, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, childCount)
	})

	t.Run("enter children backfills an enrolled parent", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		lesson := f.createLesson(t, 1, CategoryChildren, nil)

		// enrolled before any children were registered
		_, err := f.service.AdminSignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		f.createChild(t, alice.ID, "山田", "一郎")

		entered, err := f.service.EnterChildren(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		assert.True(t, entered)

		childCount, err := f.lessons.CountChildMembers(ctx, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, childCount)
	})

	t.Run("enter children on a non-enrolled parent does nothing", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		f.createChild(t, alice.ID, "山田", "一郎")
		lesson := f.createLesson(t, 1, CategoryChildren, nil)

		entered, err := f.service.EnterChildren(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)
		assert.False(t, entered)

		childCount, err := f.lessons.CountChildMembers(ctx, lesson.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, childCount)
	})

	t.Run("enter children rejects standard lessons", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		lesson := f.createLesson(t, 1, CategoryStandard, nil)

		_, err := f.service.EnterChildren(ctx, alice.ID, lesson.ID)
		assert.ErrorIs(t, err, ErrNotChildrensLesson)
	})

	t.Run("applicants lists children with parent contact", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		_, err := f.users.UpsertDetail(ctx, &user.Detail{
			UserID:    alice.ID,
			LastName:  "山田",
			FirstName: "花子",
			Tel:       "090-0000-0000",
			Address:   "Tokyo",
		})
		require.NoError(t, err)
		f.createChild(t, alice.ID, "山田", "一郎")
		lesson := f.createLesson(t, 1, CategoryChildren, nil)

		_, err = f.service.SignUp(ctx, alice.ID, lesson.ID)
		require.NoError(t, err)

		rows, err := f.service.Applicants(ctx, lesson.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 1, rows[0].No)
		assert.Equal(t, "山田　一郎", rows[0].Name)
		assert.Equal(t, "山田　花子", rows[0].ParentName)
		assert.Equal(t, "090-0000-0000", rows[0].ParentTel)
	})

	t.Run("user summaries count lessons per season", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, allTables...)
		f := newFixture(t, pg, openWindow(now))

		alice := f.createUser(t, "alice", false)
		first := f.createLesson(t, 1, CategoryStandard, nil)
		second, err := f.service.CreateLesson(ctx, CreateRequest{
			Number: 2, Title: "Autumn", Year: 2025, Season: 2,
		})
		require.NoError(t, err)

		_, err = f.service.SignUp(ctx, alice.ID, first.ID)
		require.NoError(t, err)
		_, err = f.service.AdminSignUp(ctx, alice.ID, second.ID)
		require.NoError(t, err)

		summaries, err := f.service.UserSummaries(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Equal(t, 1, summaries[0].Season1Count)
		assert.Equal(t, 1, summaries[0].Season2Count)
		assert.Len(t, summaries[0].Lessons, 2)
	})
}
