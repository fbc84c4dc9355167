package user

import (
	"context"
	"errors"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDetailNotFound = errors.New("user details not found")
	ErrChildNotFound  = errors.New("child not found")
	ErrInvalidInput   = errors.New("invalid input")
)

type Service interface {
	GetAllUsers(ctx context.Context) ([]User, error)
	GetUserByID(ctx context.Context, id int) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	DeleteUser(ctx context.Context, id int) error

	GetDetail(ctx context.Context, userID int) (*Detail, error)
	UpsertDetail(ctx context.Context, userID int, req DetailUpsertRequest) (*Detail, error)

	Children(ctx context.Context, userID int) ([]Child, error)
	AddChild(ctx context.Context, userID int, req ChildCreateRequest) (*Child, error)
	RemoveChild(ctx context.Context, userID, childID int) error
}

type service struct {
	repo Repository
}

func NewService(repo Repository) Service {
	return &service{
		repo: repo,
	}
}

func (s *service) GetAllUsers(ctx context.Context) ([]User, error) {
	return s.repo.GetAll(ctx)
}

func (s *service) GetUserByID(ctx context.Context, id int) (*User, error) {
	if id <= 0 {
		return nil, ErrInvalidInput
	}
	return s.repo.GetByID(ctx, id)
}

func (s *service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.GetByUsername(ctx, username)
}

func (s *service) DeleteUser(ctx context.Context, id int) error {
	if id <= 0 {
		return ErrInvalidInput
	}
	return s.repo.Delete(ctx, id)
}

func (s *service) GetDetail(ctx context.Context, userID int) (*Detail, error) {
	return s.repo.GetDetail(ctx, userID)
}

func (s *service) UpsertDetail(ctx context.Context, userID int, req DetailUpsertRequest) (*Detail, error) {
	detail := &Detail{
		UserID:            userID,
		LastName:          req.LastName,
		FirstName:         req.FirstName,
		LastNameFurigana:  req.LastNameFurigana,
		FirstNameFurigana: req.FirstNameFurigana,
		Tel:               req.Tel,
		PostalCode:        req.PostalCode,
		Address:           req.Address,
	}
	return s.repo.UpsertDetail(ctx, detail)
}

func (s *service) Children(ctx context.Context, userID int) ([]Child, error) {
	return s.repo.ChildrenOf(ctx, userID)
}

func (s *service) AddChild(ctx context.Context, userID int, req ChildCreateRequest) (*Child, error) {
	child := &Child{
		UserID:            userID,
		LastName:          req.LastName,
		FirstName:         req.FirstName,
		LastNameFurigana:  req.LastNameFurigana,
		FirstNameFurigana: req.FirstNameFurigana,
	}
	return s.repo.AddChild(ctx, child)
}

func (s *service) RemoveChild(ctx context.Context, userID, childID int) error {
	if childID <= 0 {
		return ErrInvalidInput
	}
	return s.repo.DeleteChild(ctx, userID, childID)
}
