package entity

import (
	"github.com/go-playground/validator/v10"
	ut "github.com/go-playground/universal-translator"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

type Student struct {
	FirstName      string `json:"firstName" validate:"required"`
	LastName       string `json:"lastName" validate:"required"`
	ClassID        string `json:"classId" validate:"required"`
	Gender         string `json:"gender" validate:"omitempty,oneof=male female"`
	DateOfBirth    string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02"`
	EnrollmentDate string `json:"enrollmentDate" validate:"omitempty,datetime=2006-01-02"`
	Email          string `json:"email" validate:"omitempty,email"`
	GuardianName   string `json:"guardianName"`
	GuardianPhone  string `json:"guardianPhone"`
}

type Teacher struct {
	FirstName string   `json:"firstName" validate:"required"`
	LastName  string   `json:"lastName" validate:"required"`
	Email     string   `json:"email" validate:"omitempty,email"`
	Phone     string   `json:"phone"`
	Subjects  []string `json:"subjects"`
	ClassIDs  []string `json:"classIds"`
}

type SchoolClass struct {
	Name         string `json:"name" validate:"required"`
	Level        string `json:"level" validate:"omitempty,alphanum_"`
	TeacherID    string `json:"teacherId"`
	Capacity     int    `json:"capacity" validate:"omitempty,min=0"`
	AcademicYear string `json:"academicYear"`
}

type Attendance struct {
	StudentID string `json:"studentId" validate:"required"`
	ClassID   string `json:"classId" validate:"required"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	Status    string `json:"status" validate:"required,oneof=present absent late excused"`
	Note      string `json:"note"`
}

type Grade struct {
	StudentID string  `json:"studentId" validate:"required"`
	ClassID   string  `json:"classId"`
	Subject   string  `json:"subject" validate:"required"`
	Score     float64 `json:"score" validate:"gte=0,ltefield=MaxScore"`
	MaxScore  float64 `json:"maxScore" validate:"required,gt=0"`
	Term      string  `json:"term"`
	ExamID    string  `json:"examId"`
	Date      string  `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type AIAlert struct {
	StudentID string `json:"studentId"`
	ClassID   string `json:"classId"`
	Type      string `json:"type" validate:"required"`
	Severity  string `json:"severity" validate:"required,oneof=low medium high"`
	Message   string `json:"message" validate:"required"`
	Resolved  bool   `json:"resolved"`
}

type TimetableEntry struct {
	ClassID   string `json:"classId" validate:"required"`
	Day       string `json:"day" validate:"required,oneof=monday tuesday wednesday thursday friday saturday sunday"`
	StartTime string `json:"startTime" validate:"required,datetime=15:04"`
	EndTime   string `json:"endTime" validate:"required,datetime=15:04"`
	Subject   string `json:"subject" validate:"required"`
	TeacherID string `json:"teacherId"`
	Room      string `json:"room"`
}

type Message struct {
	SenderID     string   `json:"senderId" validate:"required"`
	RecipientIDs []string `json:"recipientIds" validate:"required,min=1"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body" validate:"required"`
	Read         bool     `json:"read"`
}

type Exam struct {
	ClassID         string  `json:"classId" validate:"required"`
	Subject         string  `json:"subject" validate:"required"`
	Title           string  `json:"title" validate:"required"`
	Date            string  `json:"date" validate:"required,datetime=2006-01-02"`
	MaxScore        float64 `json:"maxScore" validate:"omitempty,gt=0"`
	DurationMinutes int     `json:"durationMinutes" validate:"omitempty,min=1"`
}

type Document struct {
	Title   string `json:"title" validate:"required"`
	Type    string `json:"type"`
	URL     string `json:"url" validate:"omitempty,url"`
	OwnerID string `json:"ownerId"`
	ClassID string `json:"classId"`
}

type Invoice struct {
	StudentID   string  `json:"studentId" validate:"required"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	Currency    string  `json:"currency" validate:"required,len=3"`
	DueDate     string  `json:"dueDate" validate:"required,datetime=2006-01-02"`
	Status      string  `json:"status" validate:"omitempty,oneof=draft issued paid overdue cancelled"`
	Description string  `json:"description"`
}

type SchoolProfile struct {
	Name         string `json:"name" validate:"required"`
	Address      string `json:"address"`
	Phone        string `json:"phone"`
	Email        string `json:"email" validate:"omitempty,email"`
	AcademicYear string `json:"academicYear"`
	LogoURL      string `json:"logoUrl" validate:"omitempty,url"`
}

var schemas = map[Kind]func() interface{}{
	KindStudent:       func() interface{} { return new(Student) },
	KindTeacher:       func() interface{} { return new(Teacher) },
	KindClass:         func() interface{} { return new(SchoolClass) },
	KindAttendance:    func() interface{} { return new(Attendance) },
	KindGrade:         func() interface{} { return new(Grade) },
	KindAlert:         func() interface{} { return new(AIAlert) },
	KindTimetable:     func() interface{} { return new(TimetableEntry) },
	KindMessage:       func() interface{} { return new(Message) },
	KindExam:          func() interface{} { return new(Exam) },
	KindDocument:      func() interface{} { return new(Document) },
	KindInvoice:       func() interface{} { return new(Invoice) },
	KindSchoolProfile: func() interface{} { return new(SchoolProfile) },
}

// Decode maps a payload onto the typed schema of `kind`. Unknown fields are ignored.
func Decode(kind Kind, payload Payload) (interface{}, error) {
	newSchema, ok := schemas[kind]
	if !ok {
		return nil, errors.Wrap(ErrUnknownKind, string(kind))
	}
	out := newSchema()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return nil, err
	}
	if err = dec.Decode(map[string]interface{}(payload)); err != nil {
		return nil, core.NewValidationError(errors.Wrap(err, "malformed payload"))
	}
	return out, nil
}

// Validate checks a payload against the schema of `kind`.
// Failures are returned as *core.ValidationError with translated field messages.
func Validate(validate *validator.Validate, translator ut.Translator, kind Kind, payload Payload) error {
	schema, err := Decode(kind, payload)
	if err != nil {
		return err
	}
	if err = validate.Struct(schema); err != nil {
		return core.TranslateValidationErrors(err, translator)
	}
	return nil
}
