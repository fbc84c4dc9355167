package lesson

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lesson-service/internal/metrics"
	"lesson-service/internal/user"

	"github.com/uptrace/bun"
)

type Repository interface {
	Create(ctx context.Context, lesson *Lesson) (*Lesson, error)
	CreateAll(ctx context.Context, lessons []Lesson) error
	GetByID(ctx context.Context, id int) (*Lesson, error)
	ListByPeriod(ctx context.Context, year, season int) ([]Lesson, error)
	ListByYear(ctx context.Context, year int) ([]Lesson, error)
	Update(ctx context.Context, lesson *Lesson) error
	UpdateCapacityLeft(ctx context.Context, lesson *Lesson) error
	Delete(ctx context.Context, id int) error

	IsMember(ctx context.Context, lessonID, userID int) (bool, error)
	AddMember(ctx context.Context, lessonID, userID int) error
	RemoveMember(ctx context.Context, lessonID, userID int) error
	Members(ctx context.Context, lessonID int) ([]user.User, error)
	MemberIDs(ctx context.Context, lessonID int) ([]int, error)
	CountMembers(ctx context.Context, lessonID int) (int, error)

	IsChildMember(ctx context.Context, lessonID, childID int) (bool, error)
	AddChildMember(ctx context.Context, lessonID, childID int) error
	RemoveChildMembers(ctx context.Context, lessonID int, childIDs []int) error
	ChildMembers(ctx context.Context, lessonID int) ([]user.Child, error)
	ChildMemberIDs(ctx context.Context, lessonID int) ([]int, error)
	CountChildMembers(ctx context.Context, lessonID int) (int, error)

	LessonsOfUser(ctx context.Context, userID int) ([]Lesson, error)

	// RunInTx executes fn against a repository bound to a single
	// serializable transaction. Enrollment transitions must go through
	// this so the member check, the mirror into children and the
	// capacity recompute commit or roll back together.
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

type repository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewRepository(db bun.IDB, m *metrics.Metrics) Repository {
	return &repository{
		db:      db,
		metrics: m,
	}
}

func (r *repository) RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	db, ok := r.db.(*bun.DB)
	if !ok {
		// already inside a transaction
		return fn(ctx, r)
	}
	return db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &repository{db: tx, metrics: r.metrics})
	})
}

func (r *repository) Create(ctx context.Context, lesson *Lesson) (*Lesson, error) {
	start := time.Now()
	_, err := r.db.NewInsert().Model(lesson).Returning("*").Exec(ctx)

	r.metrics.RecordQuery(ctx, "insert", "lessons", time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return lesson, nil
}

func (r *repository) CreateAll(ctx context.Context, lessons []Lesson) error {
	if len(lessons) == 0 {
		return nil
	}
	start := time.Now()
	_, err := r.db.NewInsert().Model(&lessons).Exec(ctx)

	r.metrics.RecordQuery(ctx, "insert", "lessons", time.Since(start), err)

	return err
}

func (r *repository) GetByID(ctx context.Context, id int) (*Lesson, error) {
	start := time.Now()
	lesson := new(Lesson)
	err := r.db.NewSelect().Model(lesson).Where("l.id = ?", id).Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "lessons", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLessonNotFound
		}
		return nil, err
	}
	return lesson, nil
}

func (r *repository) ListByPeriod(ctx context.Context, year, season int) ([]Lesson, error) {
	start := time.Now()
	var lessons []Lesson
	err := r.db.NewSelect().
		Model(&lessons).
		Where("year = ?", year).
		Where("season = ?", season).
		Order("number ASC").
		Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "lessons", time.Since(start), err)

	return lessons, err
}

func (r *repository) ListByYear(ctx context.Context, year int) ([]Lesson, error) {
	start := time.Now()
	var lessons []Lesson
	err := r.db.NewSelect().
		Model(&lessons).
		Where("year = ?", year).
		Order("season ASC", "number ASC").
		Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "lessons", time.Since(start), err)

	return lessons, err
}

func (r *repository) Update(ctx context.Context, lesson *Lesson) error {
	start := time.Now()
	result, err := r.db.NewUpdate().Model(lesson).WherePK().Exec(ctx)

	r.metrics.RecordQuery(ctx, "update", "lessons", time.Since(start), err)

	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrLessonNotFound
	}
	return nil
}

func (r *repository) UpdateCapacityLeft(ctx context.Context, lesson *Lesson) error {
	start := time.Now()
	_, err := r.db.NewUpdate().
		Model(lesson).
		Column("capacity_left").
		WherePK().
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "update", "lessons", time.Since(start), err)

	return err
}

// Delete removes the lesson and cascades both membership edge sets.
func (r *repository) Delete(ctx context.Context, id int) error {
	return r.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		tx := repo.(*repository).db

		start := time.Now()
		if _, err := tx.NewDelete().Model((*Member)(nil)).Where("lesson_id = ?", id).Exec(ctx); err != nil {
			r.metrics.RecordQuery(ctx, "delete", "lesson_members", time.Since(start), err)
			return err
		}
		if _, err := tx.NewDelete().Model((*ChildMember)(nil)).Where("lesson_id = ?", id).Exec(ctx); err != nil {
			r.metrics.RecordQuery(ctx, "delete", "lesson_child_members", time.Since(start), err)
			return err
		}

		result, err := tx.NewDelete().Model(&Lesson{ID: id}).WherePK().Exec(ctx)
		r.metrics.RecordQuery(ctx, "delete", "lessons", time.Since(start), err)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return ErrLessonNotFound
		}
		return nil
	})
}

func (r *repository) IsMember(ctx context.Context, lessonID, userID int) (bool, error) {
	start := time.Now()
	exists, err := r.db.NewSelect().
		Model((*Member)(nil)).
		Where("lesson_id = ?", lessonID).
		Where("user_id = ?", userID).
		Exists(ctx)

	r.metrics.RecordQuery(ctx, "select", "lesson_members", time.Since(start), err)

	return exists, err
}

func (r *repository) AddMember(ctx context.Context, lessonID, userID int) error {
	start := time.Now()
	member := &Member{LessonID: lessonID, UserID: userID}
	_, err := r.db.NewInsert().
		Model(member).
		On("CONFLICT DO NOTHING").
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "insert", "lesson_members", time.Since(start), err)

	return err
}

func (r *repository) RemoveMember(ctx context.Context, lessonID, userID int) error {
	start := time.Now()
	result, err := r.db.NewDelete().
		Model((*Member)(nil)).
		Where("lesson_id = ?", lessonID).
		Where("user_id = ?", userID).
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "delete", "lesson_members", time.Since(start), err)

	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotSignedUp
	}
	return nil
}

// Members returns the enrolled users in signup order.
func (r *repository) Members(ctx context.Context, lessonID int) ([]user.User, error) {
	start := time.Now()
	var users []user.User
	err := r.db.NewSelect().
		Model(&users).
		Relation("Details").
		Join("JOIN lesson_members AS lm ON lm.user_id = u.id").
		Where("lm.lesson_id = ?", lessonID).
		OrderExpr("lm.id ASC").
		Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "lesson_members", time.Since(start), err)

	return users, err
}

func (r *repository) MemberIDs(ctx context.Context, lessonID int) ([]int, error) {
	start := time.Now()
	var ids []int
	err := r.db.NewSelect().
		Model((*Member)(nil)).
		Column("user_id").
		Where("lesson_id = ?", lessonID).
		Order("id ASC").
		Scan(ctx, &ids)

	r.metrics.RecordQuery(ctx, "select", "lesson_members", time.Since(start), err)

	return ids, err
}

func (r *repository) CountMembers(ctx context.Context, lessonID int) (int, error) {
	start := time.Now()
	count, err := r.db.NewSelect().
		Model((*Member)(nil)).
		Where("lesson_id = ?", lessonID).
		Count(ctx)

	r.metrics.RecordQuery(ctx, "select", "lesson_members", time.Since(start), err)

	return count, err
}

func (r *repository) IsChildMember(ctx context.Context, lessonID, childID int) (bool, error) {
	start := time.Now()
	exists, err := r.db.NewSelect().
		Model((*ChildMember)(nil)).
		Where("lesson_id = ?", lessonID).
		Where("child_id = ?", childID).
		Exists(ctx)

	r.metrics.RecordQuery(ctx, "select", "lesson_child_members", time.Since(start), err)

	return exists, err
}

func (r *repository) AddChildMember(ctx context.Context, lessonID, childID int) error {
	start := time.Now()
	member := &ChildMember{LessonID: lessonID, ChildID: childID}
	_, err := r.db.NewInsert().
		Model(member).
		On("CONFLICT DO NOTHING").
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "insert", "lesson_child_members", time.Since(start), err)

	return err
}

// RemoveChildMembers deletes the given children from the lesson. Children
// that were never enrolled are skipped silently - a parent's cancel always
// sweeps all of their registered children.
func (r *repository) RemoveChildMembers(ctx context.Context, lessonID int, childIDs []int) error {
	if len(childIDs) == 0 {
		return nil
	}
	start := time.Now()
	_, err := r.db.NewDelete().
		Model((*ChildMember)(nil)).
		Where("lesson_id = ?", lessonID).
		Where("child_id IN (?)", bun.In(childIDs)).
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "delete", "lesson_child_members", time.Since(start), err)

	return err
}

// ChildMembers returns the enrolled children in signup order.
func (r *repository) ChildMembers(ctx context.Context, lessonID int) ([]user.Child, error) {
	start := time.Now()
	var children []user.Child
	err := r.db.NewSelect().
		Model(&children).
		Join("JOIN lesson_child_members AS lcm ON lcm.child_id = uc.id").
		Where("lcm.lesson_id = ?", lessonID).
		OrderExpr("lcm.id ASC").
		Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "lesson_child_members", time.Since(start), err)

	return children, err
}

func (r *repository) ChildMemberIDs(ctx context.Context, lessonID int) ([]int, error) {
	start := time.Now()
	var ids []int
	err := r.db.NewSelect().
		Model((*ChildMember)(nil)).
		Column("child_id").
		Where("lesson_id = ?", lessonID).
		Order("id ASC").
		Scan(ctx, &ids)

	r.metrics.RecordQuery(ctx, "select", "lesson_child_members", time.Since(start), err)

	return ids, err
}

func (r *repository) CountChildMembers(ctx context.Context, lessonID int) (int, error) {
	start := time.Now()
	count, err := r.db.NewSelect().
		Model((*ChildMember)(nil)).
		Where("lesson_id = ?", lessonID).
		Count(ctx)

	r.metrics.RecordQuery(ctx, "select", "lesson_child_members", time.Since(start), err)

	return count, err
}

// LessonsOfUser returns the user's lessons in the order they signed up.
func (r *repository) LessonsOfUser(ctx context.Context, userID int) ([]Lesson, error) {
	start := time.Now()
	var lessons []Lesson
	err := r.db.NewSelect().
		Model(&lessons).
		Join("JOIN lesson_members AS lm ON lm.lesson_id = l.id").
		Where("lm.user_id = ?", userID).
		OrderExpr("lm.id ASC").
		Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "lesson_members", time.Since(start), err)

	return lessons, err
}
