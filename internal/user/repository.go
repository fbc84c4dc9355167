package user

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lesson-service/internal/metrics"

	"github.com/uptrace/bun"
)

type Repository interface {
	Create(ctx context.Context, user *User) (*User, error)
	GetAll(ctx context.Context) ([]User, error)
	GetAllWithDetails(ctx context.Context) ([]User, error)
	GetByID(ctx context.Context, id int) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Update(ctx context.Context, user *User) error
	Delete(ctx context.Context, id int) error

	GetDetail(ctx context.Context, userID int) (*Detail, error)
	UpsertDetail(ctx context.Context, detail *Detail) (*Detail, error)

	ChildrenOf(ctx context.Context, userID int) ([]Child, error)
	GetChild(ctx context.Context, childID int) (*Child, error)
	AddChild(ctx context.Context, child *Child) (*Child, error)
	DeleteChild(ctx context.Context, userID, childID int) error
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

func (r *repository) Create(ctx context.Context, user *User) (*User, error) {
	start := time.Now()
	_, err := r.db.NewInsert().Model(user).Returning("*").Exec(ctx)

	r.metrics.RecordQuery(ctx, "insert", "users", time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *repository) GetAll(ctx context.Context) ([]User, error) {
	start := time.Now()
	var users []User
	err := r.db.NewSelect().Model(&users).Order("id ASC").Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "users", time.Since(start), err)

	return users, err
}

func (r *repository) GetAllWithDetails(ctx context.Context) ([]User, error) {
	start := time.Now()
	var users []User
	err := r.db.NewSelect().
		Model(&users).
		Relation("Details").
		Order("id ASC").
		Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "users", time.Since(start), err)

	return users, err
}

func (r *repository) GetByID(ctx context.Context, id int) (*User, error) {
	start := time.Now()
	user := new(User)
	err := r.db.NewSelect().Model(user).Where("u.id = ?", id).Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "users", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (r *repository) GetByUsername(ctx context.Context, username string) (*User, error) {
	start := time.Now()
	user := new(User)
	err := r.db.NewSelect().Model(user).Where("username = ?", username).Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "users", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (r *repository) Update(ctx context.Context, user *User) error {
	start := time.Now()
	result, err := r.db.NewUpdate().Model(user).WherePK().Exec(ctx)

	r.metrics.RecordQuery(ctx, "update", "users", time.Since(start), err)

	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id int) error {
	start := time.Now()
	result, err := r.db.NewDelete().Model(&User{ID: id}).WherePK().Exec(ctx)

	r.metrics.RecordQuery(ctx, "delete", "users", time.Since(start), err)

	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *repository) GetDetail(ctx context.Context, userID int) (*Detail, error) {
	start := time.Now()
	detail := new(Detail)
	err := r.db.NewSelect().Model(detail).Where("user_id = ?", userID).Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "user_details", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDetailNotFound
		}
		return nil, err
	}
	return detail, nil
}

func (r *repository) UpsertDetail(ctx context.Context, detail *Detail) (*Detail, error) {
	start := time.Now()
	_, err := r.db.NewInsert().
		Model(detail).
		On("CONFLICT (user_id) DO UPDATE").
		Set("last_name = EXCLUDED.last_name").
		Set("first_name = EXCLUDED.first_name").
		Set("last_name_furigana = EXCLUDED.last_name_furigana").
		Set("first_name_furigana = EXCLUDED.first_name_furigana").
		Set("tel = EXCLUDED.tel").
		Set("postal_code = EXCLUDED.postal_code").
		Set("address = EXCLUDED.address").
		Returning("*").
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "upsert", "user_details", time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (r *repository) ChildrenOf(ctx context.Context, userID int) ([]Child, error) {
	start := time.Now()
	var children []Child
	err := r.db.NewSelect().
		Model(&children).
		Where("user_id = ?", userID).
		Order("id ASC").
		Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "user_children", time.Since(start), err)

	return children, err
}

func (r *repository) GetChild(ctx context.Context, childID int) (*Child, error) {
	start := time.Now()
	child := new(Child)
	err := r.db.NewSelect().Model(child).Where("uc.id = ?", childID).Scan(ctx)

	r.metrics.RecordQuery(ctx, "select", "user_children", time.Since(start), err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChildNotFound
		}
		return nil, err
	}
	return child, nil
}

func (r *repository) AddChild(ctx context.Context, child *Child) (*Child, error) {
	start := time.Now()
	_, err := r.db.NewInsert().Model(child).Returning("*").Exec(ctx)

	r.metrics.RecordQuery(ctx, "insert", "user_children", time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return child, nil
}

func (r *repository) DeleteChild(ctx context.Context, userID, childID int) error {
	start := time.Now()
	result, err := r.db.NewDelete().
		Model((*Child)(nil)).
		Where("id = ?", childID).
		Where("user_id = ?", userID).
		Exec(ctx)

	r.metrics.RecordQuery(ctx, "delete", "user_children", time.Since(start), err)

	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrChildNotFound
	}
	return nil
}
