package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/digkill/gemstudio/internal/config"
	"github.com/digkill/gemstudio/internal/imagegen"
	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/repository"
)

const (
	progressQueued    = "Queued"
	progressStarting  = "Starting"
	progressCaption   = "Preparing caption"
	progressComposing = "Composing final image"
)

type GroupRequest struct {
	JobID      string       `json:"job_id"`
	Prompt     string       `json:"prompt"`
	Caption    string       `json:"caption"`
	Members    []InputImage `json:"members"`
	Background InputImage   `json:"background"`
}

type GroupStarted struct {
	JobID    string `json:"job_id"`
	Cost     int    `json:"cost"`
	Diamonds int    `json:"diamonds"`
	Status   string `json:"status"`
}

type groupPayload struct {
	Prompt     string       `json:"prompt"`
	Caption    string       `json:"caption,omitempty"`
	Members    []InputImage `json:"members"`
	Background InputImage   `json:"background"`
}

// GroupService runs composite jobs: one generated character per member,
// then a final composite over the background. The full cost is reserved up
// front and refunded in full on any failure.
type GroupService struct {
	cfg      config.Config
	log      *slog.Logger
	engine   *GenerationService
	dispatch Dispatcher
}

func NewGroupService(cfg config.Config, log *slog.Logger, engine *GenerationService, dispatch Dispatcher) *GroupService {
	return &GroupService{cfg: cfg, log: log, engine: engine, dispatch: dispatch}
}

// Cost is (members + 1) generation units.
func (s *GroupService) Cost(members int) int {
	return (members + 1) * s.cfg.GroupUnitCost
}

// Start reserves the full cost, stores the job and hands it to the worker.
func (s *GroupService) Start(ctx context.Context, accountID string, req GroupRequest) (*GroupStarted, error) {
	req.JobID = strings.TrimSpace(req.JobID)
	if err := validateJobID(req.JobID); err != nil {
		return nil, err
	}
	n := len(req.Members)
	if n == 0 || n > s.cfg.GroupMaxMembers {
		return nil, fmt.Errorf("%w: expected 1 to %d members, got %d", ErrInvalidInput, s.cfg.GroupMaxMembers, n)
	}
	if err := validateImages(req.Members); err != nil {
		return nil, err
	}
	if err := validateImages([]InputImage{req.Background}); err != nil {
		return nil, fmt.Errorf("%w: background image is required", ErrInvalidInput)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if len([]rune(prompt)) > maxPromptLength {
		return nil, fmt.Errorf("%w: prompt is too long", ErrInvalidInput)
	}
	cost := s.Cost(n)
	if cost <= 0 {
		return nil, fmt.Errorf("%w: group images have no price", ErrInvalidInput)
	}

	payload, err := json.Marshal(groupPayload{
		Prompt:     prompt,
		Caption:    strings.TrimSpace(req.Caption),
		Members:    req.Members,
		Background: req.Background,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal group payload: %w", err)
	}

	description := prompt
	if description == "" {
		description = fmt.Sprintf("Group photo with %d people", n)
	}
	job := &models.GenerationJob{
		ID:              req.JobID,
		AccountID:       accountID,
		Kind:            models.TxGroupImageGeneration,
		Cost:            cost,
		Status:          models.JobPending,
		ProgressMessage: progressQueued,
		Description:     description,
		Payload:         payload,
	}
	if err := s.engine.Reserve(ctx, job); err != nil {
		return nil, err
	}

	if err := s.dispatch.Dispatch(ctx, job.ID); err != nil {
		s.engine.Rollback(ctx, job, "dispatch failed")
		return nil, fmt.Errorf("dispatch group job: %w", err)
	}

	started := &GroupStarted{JobID: job.ID, Cost: cost, Status: string(models.JobPending)}
	if acc, err := s.engine.accounts.FindByID(ctx, accountID); err == nil && acc != nil {
		started.Diamonds = acc.Diamonds
	}
	return started, nil
}

// Process runs a dispatched job. Jobs that are gone or already taken are
// skipped without error so redelivery is harmless.
func (s *GroupService) Process(ctx context.Context, jobID string) error {
	if s.cfg.GroupJobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GroupJobTimeout)
		defer cancel()
	}

	job, err := s.engine.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil || job.Status != models.JobPending {
		s.log.Info("group job skipped", "job_id", jobID)
		return nil
	}
	taken, err := s.engine.jobs.MarkRunning(ctx, jobID, progressStarting)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !taken {
		s.log.Info("group job taken by another worker", "job_id", jobID)
		return nil
	}
	job.Status = models.JobRunning

	var payload groupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || len(payload.Members) == 0 {
		s.engine.Rollback(ctx, job, "invalid job payload")
		return fmt.Errorf("%w: invalid group payload", ErrInvalidInput)
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if s.cfg.GroupStepDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(s.cfg.GroupStepDelay), 1)
	}

	fail := func(step string, err error) error {
		s.engine.Rollback(ctx, job, step+": "+err.Error())
		return fmt.Errorf("%s: %w", step, err)
	}

	n := len(payload.Members)
	characters := make([]*imagegen.Image, 0, n)
	for k, member := range payload.Members {
		if !s.progress(ctx, job.ID, fmt.Sprintf("Generating character %d/%d", k+1, n)) {
			return nil
		}
		if err := pacer.Wait(ctx); err != nil {
			return fail("pacing", err)
		}
		parts := []imagegen.Part{
			imagegen.TextPart(characterPrompt(payload.Prompt)),
			imagegen.ImagePart(member.MimeType, member.Data),
		}
		cred, img, err := s.engine.Invoke(ctx, parts)
		if err != nil {
			return fail(fmt.Sprintf("character %d/%d", k+1, n), err)
		}
		s.engine.keys.Release(ctx, cred, true)
		characters = append(characters, img)
	}

	caption := payload.Caption
	if caption != "" {
		if !s.progress(ctx, job.ID, progressCaption) {
			return nil
		}
		caption = s.translate(ctx, job.ID, caption)
	}

	if !s.progress(ctx, job.ID, progressComposing) {
		return nil
	}
	if err := pacer.Wait(ctx); err != nil {
		return fail("pacing", err)
	}
	parts := make([]imagegen.Part, 0, n+2)
	parts = append(parts, imagegen.TextPart(compositePrompt(payload.Prompt, caption, n)))
	for _, img := range characters {
		parts = append(parts, imagegen.ImagePart(img.Mime, img.Bytes))
	}
	parts = append(parts, imagegen.ImagePart(payload.Background.MimeType, payload.Background.Data))

	cred, final, err := s.engine.Invoke(ctx, parts)
	if err != nil {
		return fail("composite", err)
	}
	if err := s.engine.Commit(ctx, job, cred, final, n*s.cfg.GroupXPPerUnit); err != nil {
		if errors.Is(err, ErrJobSettled) {
			return nil
		}
		return err
	}
	return nil
}

// translate turns the caption into English. Any failure keeps the original.
func (s *GroupService) translate(ctx context.Context, jobID, caption string) string {
	cred, err := s.engine.keys.Acquire(ctx)
	if err != nil {
		s.log.Warn("caption translation skipped", "job_id", jobID, "err", err)
		return caption
	}
	prompt := "Translate the following text to English. Reply with the translation only.\n\n" + caption
	out, err := s.engine.gateway.GenerateText(ctx, cred.APIKey, prompt)
	s.engine.keys.Release(ctx, cred, err == nil)
	if err != nil {
		s.log.Warn("caption translation failed", "job_id", jobID, "err", err)
		return caption
	}
	if out = strings.TrimSpace(out); out == "" {
		return caption
	}
	return out
}

// progress publishes msg to pollers. It reports false once the job is gone,
// which means it was refunded and the worker must stop spending on it.
func (s *GroupService) progress(ctx context.Context, jobID, msg string) bool {
	err := s.engine.jobs.UpdateProgress(ctx, jobID, msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, repository.ErrJobNotFound):
		s.log.Warn("group job refunded while running, stopping", "job_id", jobID)
		return false
	default:
		s.log.Warn("update progress failed", "job_id", jobID, "err", err)
		return true
	}
}

func characterPrompt(scene string) string {
	p := "Create a full-body character portrait of the person in this photo. Keep the face and identity exactly, plain background."
	if scene != "" {
		p += " Style and outfit should fit this scene: " + scene
	}
	return p
}

func compositePrompt(scene, caption string, n int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Compose one group photo with the %d characters from the first images standing together in front of the last image, which is the background. Keep every face unchanged.", n)
	if scene != "" {
		sb.WriteString(" Scene: ")
		sb.WriteString(scene)
	}
	if caption != "" {
		sb.WriteString(" Add this caption text in the image: \"")
		sb.WriteString(caption)
		sb.WriteString("\"")
	}
	return sb.String()
}
