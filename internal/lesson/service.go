package lesson

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lesson-service/internal/period"
	"lesson-service/internal/user"
)

var (
	ErrLessonNotFound     = errors.New("lesson not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrSignupNotOpen      = errors.New("lesson signup is not allowed yet")
	ErrWrongPeriod        = errors.New("not allowed")
	ErrOutdated           = errors.New("outdated")
	ErrNotSignedUp        = errors.New("not signed up")
	ErrLessonFull         = errors.New("lesson is full")
	ErrNotChildrensLesson = errors.New("not a children's lesson")
	ErrInvalidInput       = errors.New("invalid input")
)

// Producer publishes enrollment events. Satisfied by messaging.Producer.
type Producer interface {
	SendMessage(ctx context.Context, value interface{}) error
}

// Service is the enrollment engine. Every signup/cancel transition runs the
// window check, the membership mutation, the child mirroring and the
// capacity recompute inside one serializable transaction.
type Service struct {
	lessons  Repository
	users    user.Repository
	period   period.Period
	window   period.Window
	clock    period.Clock
	producer Producer
	logger   *slog.Logger

	// enforceCapacity turns capacity from display-only bookkeeping into an
	// admission gate. Off by default.
	enforceCapacity bool
}

type Config struct {
	Period          period.Period
	Window          period.Window
	Clock           period.Clock
	EnforceCapacity bool
}

func NewService(lessons Repository, users user.Repository, cfg Config, producer Producer, logger *slog.Logger) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = period.NewClock()
	}
	return &Service{
		lessons:         lessons,
		users:           users,
		period:          cfg.Period,
		window:          cfg.Window,
		clock:           clock,
		producer:        producer,
		logger:          logger,
		enforceCapacity: cfg.EnforceCapacity,
	}
}

// ---- lesson CRUD ----

func (s *Service) CreateLesson(ctx context.Context, req CreateRequest) (*Lesson, error) {
	lesson := lessonFromCreate(req)
	return s.lessons.Create(ctx, lesson)
}

// ImportLessons bulk-creates lessons from a spreadsheet sync payload.
func (s *Service) ImportLessons(ctx context.Context, reqs []CreateRequest) error {
	lessons := make([]Lesson, 0, len(reqs))
	for _, req := range reqs {
		lessons = append(lessons, *lessonFromCreate(req))
	}
	return s.lessons.CreateAll(ctx, lessons)
}

func lessonFromCreate(req CreateRequest) *Lesson {
	category := req.Category
	if category == "" {
		category = CategoryStandard
	}
	lesson := &Lesson{
		Number:      req.Number,
		Title:       req.Title,
		Teacher:     req.Teacher,
		Day:         req.Day,
		Time:        req.Time,
		Price:       req.Price,
		Description: req.Description,
		Year:        req.Year,
		Season:      req.Season,
		Category:    category,
		Capacity:    req.Capacity,
	}
	if req.Capacity != nil {
		left := *req.Capacity
		lesson.CapacityLeft = &left
	}
	return lesson
}

func (s *Service) GetLesson(ctx context.Context, id int) (*Lesson, error) {
	if id <= 0 {
		return nil, ErrInvalidInput
	}
	return s.lessons.GetByID(ctx, id)
}

// ActiveLessons lists the lessons of the active period. Non-admin callers
// are rejected until the signup window opens; admins see the list from the
// test start.
func (s *Service) ActiveLessons(ctx context.Context, isAdmin bool) ([]Lesson, error) {
	if !s.window.Open(s.clock.Now(), isAdmin) {
		return nil, ErrSignupNotOpen
	}
	return s.lessons.ListByPeriod(ctx, s.period.Year, s.period.Season)
}

// LessonsOfActivePeriod lists the active period's lessons without the
// window gate, for admin management views.
func (s *Service) LessonsOfActivePeriod(ctx context.Context) ([]Lesson, error) {
	return s.lessons.ListByPeriod(ctx, s.period.Year, s.period.Season)
}

func (s *Service) UpdateLesson(ctx context.Context, id int, req UpdateRequest) (*Lesson, error) {
	lesson, err := s.lessons.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	applyUpdate(lesson, req)

	if err := s.lessons.Update(ctx, lesson); err != nil {
		return nil, err
	}
	return lesson, nil
}

func applyUpdate(lesson *Lesson, req UpdateRequest) {
	if req.Number != nil {
		lesson.Number = *req.Number
	}
	if req.Title != nil {
		lesson.Title = *req.Title
	}
	if req.Teacher != nil {
		lesson.Teacher = *req.Teacher
	}
	if req.Day != nil {
		lesson.Day = *req.Day
	}
	if req.Time != nil {
		lesson.Time = *req.Time
	}
	if req.Price != nil {
		lesson.Price = *req.Price
	}
	if req.Description != nil {
		lesson.Description = *req.Description
	}
	if req.Year != nil {
		lesson.Year = *req.Year
	}
	if req.Season != nil {
		lesson.Season = *req.Season
	}
	if req.Category != nil {
		lesson.Category = *req.Category
	}
	if req.Capacity != nil {
		lesson.Capacity = req.Capacity
	}
}

func (s *Service) DeleteLesson(ctx context.Context, id int) error {
	if id <= 0 {
		return ErrInvalidInput
	}
	return s.lessons.Delete(ctx, id)
}

func (s *Service) MyLessons(ctx context.Context, userID int) ([]Lesson, error) {
	return s.lessons.LessonsOfUser(ctx, userID)
}

// ---- enrollment transitions ----

// SignUp enrolls the user into the lesson. The transition is idempotent:
// an already-enrolled user keeps their queue position. For children lessons
// every registered child of the user is mirrored into the child membership.
// Returns the user's updated lesson list.
func (s *Service) SignUp(ctx context.Context, userID, lessonID int) ([]Lesson, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}

	if !s.window.Open(s.clock.Now(), u.IsAdmin) {
		return nil, ErrSignupNotOpen
	}

	var joined bool
	err = s.lessons.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		lesson, err := repo.GetByID(ctx, lessonID)
		if err != nil {
			return err
		}
		if !s.period.Matches(lesson.Year, lesson.Season) {
			return ErrWrongPeriod
		}

		enrolled, err := repo.IsMember(ctx, lessonID, userID)
		if err != nil {
			return err
		}
		if !enrolled {
			if err := s.checkCapacity(ctx, repo, lesson); err != nil {
				return err
			}
			if err := repo.AddMember(ctx, lessonID, userID); err != nil {
				return err
			}
			joined = true
		}

		if lesson.ForChildren() {
			if err := s.mirrorChildren(ctx, repo, lesson, userID); err != nil {
				return err
			}
		}

		return s.recomputeCapacity(ctx, repo, lesson)
	})
	if err != nil {
		return nil, err
	}

	if joined {
		s.logger.InfoContext(ctx, "user signed up", "user_id", userID, "lesson_id", lessonID)
		s.publishEvent(ctx, "signup", lessonID, u)
	}

	return s.lessons.LessonsOfUser(ctx, userID)
}

// Cancel removes the user's enrollment. For children lessons every
// registered child of the user is swept out of the child membership,
// whether or not each one was enrolled. Returns the canceled lesson.
func (s *Service) Cancel(ctx context.Context, userID, lessonID int) (*Lesson, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}

	var canceled *Lesson
	err = s.lessons.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		lesson, err := repo.GetByID(ctx, lessonID)
		if err != nil {
			return err
		}
		if !s.period.Matches(lesson.Year, lesson.Season) {
			return ErrOutdated
		}

		enrolled, err := repo.IsMember(ctx, lessonID, userID)
		if err != nil {
			return err
		}
		if !enrolled {
			return ErrNotSignedUp
		}

		if err := repo.RemoveMember(ctx, lessonID, userID); err != nil {
			return err
		}

		if lesson.ForChildren() {
			children, err := s.users.ChildrenOf(ctx, userID)
			if err != nil {
				return err
			}
			childIDs := make([]int, 0, len(children))
			for _, child := range children {
				childIDs = append(childIDs, child.ID)
			}
			if err := repo.RemoveChildMembers(ctx, lessonID, childIDs); err != nil {
				return err
			}
		}

		if err := s.recomputeCapacity(ctx, repo, lesson); err != nil {
			return err
		}
		canceled = lesson
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "user canceled", "user_id", userID, "lesson_id", lessonID)
	s.publishEvent(ctx, "cancel", lessonID, u)

	return canceled, nil
}

// mirrorChildren appends every registered child of the parent that is not
// already enrolled, preserving the existing children's queue positions.
func (s *Service) mirrorChildren(ctx context.Context, repo Repository, lesson *Lesson, parentID int) error {
	children, err := s.users.ChildrenOf(ctx, parentID)
	if err != nil {
		return err
	}
	for _, child := range children {
		enrolled, err := repo.IsChildMember(ctx, lesson.ID, child.ID)
		if err != nil {
			return err
		}
		if !enrolled {
			if err := repo.AddChildMember(ctx, lesson.ID, child.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkCapacity gates admission only when enforcement is configured;
// otherwise capacity stays display-only bookkeeping.
func (s *Service) checkCapacity(ctx context.Context, repo Repository, lesson *Lesson) error {
	if !s.enforceCapacity || lesson.Capacity == nil {
		return nil
	}
	count, err := s.relevantCount(ctx, repo, lesson)
	if err != nil {
		return err
	}
	if count >= *lesson.Capacity {
		return ErrLessonFull
	}
	return nil
}

// recomputeCapacity refreshes the capacity_left cache from the relevant
// membership count: children for children lessons, users otherwise.
func (s *Service) recomputeCapacity(ctx context.Context, repo Repository, lesson *Lesson) error {
	if lesson.Capacity == nil {
		lesson.CapacityLeft = nil
		return repo.UpdateCapacityLeft(ctx, lesson)
	}
	count, err := s.relevantCount(ctx, repo, lesson)
	if err != nil {
		return err
	}
	left := *lesson.Capacity - count
	lesson.CapacityLeft = &left
	return repo.UpdateCapacityLeft(ctx, lesson)
}

func (s *Service) relevantCount(ctx context.Context, repo Repository, lesson *Lesson) (int, error) {
	if lesson.ForChildren() {
		return repo.CountChildMembers(ctx, lesson.ID)
	}
	return repo.CountMembers(ctx, lesson.ID)
}

func (s *Service) publishEvent(ctx context.Context, action string, lessonID int, u *user.User) {
	if s.producer == nil {
		return
	}
	event := EnrollmentEvent{
		Action:     action,
		LessonID:   lessonID,
		UserID:     u.ID,
		Username:   u.Username,
		OccurredAt: s.clock.Now(),
	}
	if err := s.producer.SendMessage(ctx, event); err != nil {
		// Event publishing is best-effort, the enrollment already committed.
		s.logger.WarnContext(ctx, "failed to publish enrollment event", "error", err)
	}
}

// ---- position ranking ----

// PositionOf computes the user's 1-based FCFS rank in a lesson, 0 when not
// enrolled. For children lessons the rank is taken over the child queue
// using the requester's own children; when several of them are enrolled the
// last one found wins.
func (s *Service) PositionOf(ctx context.Context, userID, lessonID int) (Position, error) {
	lesson, err := s.lessons.GetByID(ctx, lessonID)
	if err != nil {
		return Position{}, err
	}
	rank, err := s.rank(ctx, userID, lesson)
	if err != nil {
		return Position{}, err
	}
	return Position{LessonID: lessonID, Rank: rank}, nil
}

// Positions computes the user's rank for every lesson of the active period.
func (s *Service) Positions(ctx context.Context, userID int) ([]Position, error) {
	lessons, err := s.lessons.ListByPeriod(ctx, s.period.Year, s.period.Season)
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(lessons))
	for i := range lessons {
		rank, err := s.rank(ctx, userID, &lessons[i])
		if err != nil {
			return nil, err
		}
		positions = append(positions, Position{LessonID: lessons[i].ID, Rank: rank})
	}
	return positions, nil
}

func (s *Service) rank(ctx context.Context, userID int, lesson *Lesson) (int, error) {
	if lesson.ForChildren() {
		return s.childRank(ctx, userID, lesson.ID)
	}

	memberIDs, err := s.lessons.MemberIDs(ctx, lesson.ID)
	if err != nil {
		return 0, err
	}
	return indexOf(memberIDs, userID), nil
}

func (s *Service) childRank(ctx context.Context, userID, lessonID int) (int, error) {
	children, err := s.users.ChildrenOf(ctx, userID)
	if err != nil {
		return 0, err
	}
	childMemberIDs, err := s.lessons.ChildMemberIDs(ctx, lessonID)
	if err != nil {
		return 0, err
	}

	rank := 0
	for _, child := range children {
		if pos := indexOf(childMemberIDs, child.ID); pos != 0 {
			rank = pos
		}
	}
	return rank, nil
}

// indexOf returns the 1-based index of id, 0 when absent.
func indexOf(ids []int, id int) int {
	for i, candidate := range ids {
		if candidate == id {
			return i + 1
		}
	}
	return 0
}

// ---- capacity refresh ----

// RefreshCapacity recomputes capacity_left for every lesson of a year.
func (s *Service) RefreshCapacity(ctx context.Context, year int) ([]Lesson, error) {
	var refreshed []Lesson
	err := s.lessons.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		lessons, err := repo.ListByYear(ctx, year)
		if err != nil {
			return err
		}
		for i := range lessons {
			if err := s.recomputeCapacity(ctx, repo, &lessons[i]); err != nil {
				return err
			}
		}
		refreshed = lessons
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}

// ---- admin transitions ----

// AdminSignUp enrolls an arbitrary user, bypassing the signup window and
// the period check. Children are not mirrored here; EnterChildren backfills
// them explicitly.
func (s *Service) AdminSignUp(ctx context.Context, targetUserID, lessonID int) ([]Lesson, error) {
	if _, err := s.users.GetByID(ctx, targetUserID); err != nil {
		return nil, ErrUserNotFound
	}

	err := s.lessons.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		lesson, err := repo.GetByID(ctx, lessonID)
		if err != nil {
			return err
		}

		enrolled, err := repo.IsMember(ctx, lessonID, targetUserID)
		if err != nil {
			return err
		}
		if !enrolled {
			if err := repo.AddMember(ctx, lessonID, targetUserID); err != nil {
				return err
			}
		}

		return s.recomputeCapacity(ctx, repo, lesson)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "admin signed user up", "user_id", targetUserID, "lesson_id", lessonID)
	return s.lessons.LessonsOfUser(ctx, targetUserID)
}

// AdminRemove removes a user from a lesson by username.
func (s *Service) AdminRemove(ctx context.Context, username string, lessonID int) (string, error) {
	target, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return "", ErrUserNotFound
	}

	err = s.lessons.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		lesson, err := repo.GetByID(ctx, lessonID)
		if err != nil {
			return err
		}
		if err := repo.RemoveMember(ctx, lessonID, target.ID); err != nil {
			return err
		}
		if lesson.ForChildren() {
			children, err := s.users.ChildrenOf(ctx, target.ID)
			if err != nil {
				return err
			}
			childIDs := make([]int, 0, len(children))
			for _, child := range children {
				childIDs = append(childIDs, child.ID)
			}
			if err := repo.RemoveChildMembers(ctx, lessonID, childIDs); err != nil {
				return err
			}
		}
		return s.recomputeCapacity(ctx, repo, lesson)
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "admin removed user from lesson", "username", username, "lesson_id", lessonID)
	return fmt.Sprintf("removed %s from lesson %d", username, lessonID), nil
}

// EnterChildren backfills the registered children of an already-enrolled
// parent into a children lesson. Returns false without mutating when the
// parent has not signed up.
func (s *Service) EnterChildren(ctx context.Context, targetUserID, lessonID int) (bool, error) {
	if _, err := s.users.GetByID(ctx, targetUserID); err != nil {
		return false, ErrUserNotFound
	}

	var entered bool
	err := s.lessons.RunInTx(ctx, func(ctx context.Context, repo Repository) error {
		lesson, err := repo.GetByID(ctx, lessonID)
		if err != nil {
			return err
		}
		if !lesson.ForChildren() {
			return ErrNotChildrensLesson
		}

		enrolled, err := repo.IsMember(ctx, lessonID, targetUserID)
		if err != nil {
			return err
		}
		if !enrolled {
			return nil
		}

		if err := s.mirrorChildren(ctx, repo, lesson, targetUserID); err != nil {
			return err
		}
		if err := s.recomputeCapacity(ctx, repo, lesson); err != nil {
			return err
		}
		entered = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return entered, nil
}

// ---- rosters and exports ----

// RosterMember is one row of a lesson roster. Child rows carry the parent
// contact columns, user rows carry the user's own details.
type RosterMember struct {
	No               int    `json:"no"`
	Name             string `json:"name"`
	Tel              string `json:"tel,omitempty"`
	PostalCode       string `json:"postal_code,omitempty"`
	Address          string `json:"address,omitempty"`
	ParentName       string `json:"parent_name,omitempty"`
	ParentTel        string `json:"parent_tel,omitempty"`
	ParentPostalCode string `json:"parent_postal_code,omitempty"`
	ParentAddress    string `json:"parent_address,omitempty"`
}

// Roster is the member list of one lesson for admin export.
type Roster struct {
	LessonNumber int            `json:"lesson_number"`
	LessonTitle  string         `json:"lesson_title"`
	Members      []RosterMember `json:"users"`
}

// MembersOfLesson returns the enrolled users of a lesson in signup order.
func (s *Service) MembersOfLesson(ctx context.Context, lessonID int) ([]user.User, error) {
	if _, err := s.lessons.GetByID(ctx, lessonID); err != nil {
		return nil, err
	}
	return s.lessons.Members(ctx, lessonID)
}

// Rosters builds the roster of every active-period lesson.
func (s *Service) Rosters(ctx context.Context) ([]Roster, error) {
	lessons, err := s.lessons.ListByPeriod(ctx, s.period.Year, s.period.Season)
	if err != nil {
		return nil, err
	}

	rosters := make([]Roster, 0, len(lessons))
	for i := range lessons {
		members, err := s.Applicants(ctx, lessons[i].ID)
		if err != nil {
			return nil, err
		}
		rosters = append(rosters, Roster{
			LessonNumber: lessons[i].Number,
			LessonTitle:  lessons[i].Title,
			Members:      members,
		})
	}
	return rosters, nil
}

// Applicants lists the numbered applicant rows of one lesson. Children
// lessons list the enrolled children with their parent's contact details;
// standard lessons list the users themselves.
func (s *Service) Applicants(ctx context.Context, lessonID int) ([]RosterMember, error) {
	lesson, err := s.lessons.GetByID(ctx, lessonID)
	if err != nil {
		return nil, err
	}

	if lesson.ForChildren() {
		return s.childApplicants(ctx, lessonID)
	}

	members, err := s.lessons.Members(ctx, lessonID)
	if err != nil {
		return nil, err
	}

	rows := make([]RosterMember, 0, len(members))
	for i, member := range members {
		row := RosterMember{No: i + 1, Name: member.Username}
		if member.Details != nil {
			row.Name = member.Details.FullName()
			row.Tel = member.Details.Tel
			row.PostalCode = member.Details.PostalCode
			row.Address = member.Details.Address
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Service) childApplicants(ctx context.Context, lessonID int) ([]RosterMember, error) {
	children, err := s.lessons.ChildMembers(ctx, lessonID)
	if err != nil {
		return nil, err
	}

	rows := make([]RosterMember, 0, len(children))
	for i, child := range children {
		row := RosterMember{No: i + 1, Name: child.FullName()}
		if detail, err := s.users.GetDetail(ctx, child.UserID); err == nil {
			row.ParentName = detail.FullName()
			row.ParentTel = detail.Tel
			row.ParentPostalCode = detail.PostalCode
			row.ParentAddress = detail.Address
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// UserSummary is one row of the per-user signup export.
type UserSummary struct {
	UserID       int      `json:"user_id"`
	Name         string   `json:"name"`
	Furigana     string   `json:"furigana"`
	Season1Count int      `json:"season1_count"`
	Season2Count int      `json:"season2_count"`
	Tel          string   `json:"tel"`
	Address      string   `json:"address"`
	Lessons      []string `json:"lessons"`
}

// UserSummaries builds the per-user signup export across all users.
func (s *Service) UserSummaries(ctx context.Context) ([]UserSummary, error) {
	users, err := s.users.GetAllWithDetails(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]UserSummary, 0, len(users))
	for i := range users {
		u := &users[i]
		lessons, err := s.lessons.LessonsOfUser(ctx, u.ID)
		if err != nil {
			return nil, err
		}

		summary := UserSummary{UserID: u.ID, Name: u.Username, Lessons: make([]string, 0, len(lessons))}
		if u.Details != nil {
			summary.Name = u.Details.FullName()
			summary.Furigana = u.Details.LastNameFurigana + "　" + u.Details.FirstNameFurigana
			summary.Tel = u.Details.Tel
			summary.Address = u.Details.Address
		}
		for _, lesson := range lessons {
			summary.Lessons = append(summary.Lessons,
				fmt.Sprintf("%d:%s(%d_%d)", lesson.Number, lesson.Title, lesson.Year, lesson.Season))
			switch lesson.Season {
			case 1:
				summary.Season1Count++
			case 2:
				summary.Season2Count++
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
