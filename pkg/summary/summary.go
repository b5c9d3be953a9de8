// Package summary writes professional resume summaries with a chat
// completion model.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidInput wraps validation failures of an Input
	ErrInvalidInput = errors.New("invalid resume input")

	// ErrEmptyCompletion is returned when the model answers with no text
	ErrEmptyCompletion = errors.New("empty completion")
)

const systemPrompt = "You are a job resume generator AI. Your task is to write a professional " +
	"introduction summary for a resume given the user's provided data. Only return the summary " +
	"and do not include any other information in the response. Keep it concise and professional."

// WorkExperience is one entry of the resume's work history.
type WorkExperience struct {
	Position    string `json:"position" validate:"max=200"`
	Company     string `json:"company" validate:"max=200"`
	StartDate   string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate     string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Description string `json:"description" validate:"max=2000"`
}

// Education is one entry of the resume's education history.
type Education struct {
	Degree    string `json:"degree" validate:"max=200"`
	School    string `json:"school" validate:"max=200"`
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

// Input is the resume data a summary is written from.
type Input struct {
	JobTitle        string           `json:"job_title" validate:"max=200"`
	WorkExperiences []WorkExperience `json:"work_experiences" validate:"max=20,dive"`
	Educations      []Education      `json:"educations" validate:"max=20,dive"`
	Skills          []string         `json:"skills" validate:"max=100,dive,max=100"`
}

func (in *Input) empty() bool {
	return strings.TrimSpace(in.JobTitle) == "" &&
		len(in.WorkExperiences) == 0 &&
		len(in.Educations) == 0 &&
		len(in.Skills) == 0
}

// Completer sends one system + user message exchange to a chat model.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Generator validates resume input and asks a Completer for a summary.
type Generator struct {
	completer Completer
	validate  *validator.Validate
}

// NewGenerator creates a Generator backed by completer.
func NewGenerator(completer Completer) (*Generator, error) {
	if completer == nil {
		return nil, errors.New("summary: completer is required")
	}
	return &Generator{completer: completer, validate: validator.New()}, nil
}

// Validate checks in against the field limits. Input with no content at
// all is rejected too.
func (g *Generator) Validate(in *Input) error {
	if in == nil || in.empty() {
		return fmt.Errorf("%w: nothing to summarize", ErrInvalidInput)
	}
	if err := g.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// Generate returns a summary for in.
func (g *Generator) Generate(ctx context.Context, in *Input) (string, error) {
	if err := g.Validate(in); err != nil {
		return "", err
	}

	out, err := g.completer.Complete(ctx, systemPrompt, BuildPrompt(in))
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

// BuildPrompt renders in as the user message. Empty fields are omitted.
func BuildPrompt(in *Input) string {
	var b strings.Builder
	b.WriteString("Please generate a professional resume summary from this data:\n\n")

	if in.JobTitle != "" {
		fmt.Fprintf(&b, "Job title: %s\n\n", in.JobTitle)
	}

	if len(in.WorkExperiences) > 0 {
		b.WriteString("Work experience:\n")
		for _, exp := range in.WorkExperiences {
			fmt.Fprintf(&b, "Position: %s at %s from %s to %s\n",
				orNA(exp.Position), orNA(exp.Company), orNA(exp.StartDate), orValue(exp.EndDate, "Present"))
			if exp.Description != "" {
				fmt.Fprintf(&b, "Description:\n%s\n", exp.Description)
			}
			b.WriteString("\n")
		}
	}

	if len(in.Educations) > 0 {
		b.WriteString("Education:\n")
		for _, edu := range in.Educations {
			fmt.Fprintf(&b, "Degree: %s at %s from %s to %s\n\n",
				orNA(edu.Degree), orNA(edu.School), orNA(edu.StartDate), orNA(edu.EndDate))
		}
	}

	if len(in.Skills) > 0 {
		fmt.Fprintf(&b, "Skills:\n%s\n", strings.Join(in.Skills, ", "))
	}

	return strings.TrimRight(b.String(), "\n")
}

func orNA(s string) string {
	return orValue(s, "N/A")
}

func orValue(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
