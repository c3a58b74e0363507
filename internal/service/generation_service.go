package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/digkill/gemstudio/internal/config"
	"github.com/digkill/gemstudio/internal/imagegen"
	"github.com/digkill/gemstudio/internal/keypool"
	"github.com/digkill/gemstudio/internal/metrics"
	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/notify"
	"github.com/digkill/gemstudio/internal/repository"
)

const (
	maxJobIDLength  = 64
	maxPromptLength = 2000
	maxInputImages  = 4
	maxImageBytes   = 10 << 20

	recordAttempts = 3
)

type Feature string

const (
	FeatureGenerate         Feature = "generate"
	FeatureRemoveBackground Feature = "remove-background"
	FeatureFaceID           Feature = "face-id"
	FeatureTool             Feature = "tool"
)

type featureRule struct {
	txType      models.TransactionType
	price       config.Feature
	minImages   int
	maxImages   int
	needsPrompt bool
	instruction string
}

// InputImage is a reference image sent by the client. Data is base64 in JSON.
type InputImage struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type GenerateRequest struct {
	JobID   string
	Feature Feature
	Prompt  string
	Images  []InputImage
}

type GenerateResult struct {
	Job      *models.GenerationJob `json:"job"`
	Cost     int                   `json:"cost"`
	Diamonds int                   `json:"diamonds"`
}

// GenerationService is the job accounting engine: every paid generation is
// reserved, invoked, and then either committed or rolled back.
type GenerationService struct {
	cfg      config.Config
	log      *slog.Logger
	accounts AccountStore
	jobs     JobStore
	gateway  Gateway
	keys     keypool.Scheduler
	objects  ObjectStore
	xp       XPAwarder
	alerts   notify.Notifier
	features map[Feature]featureRule
	now      func() time.Time

	recordRetryWait time.Duration
}

func NewGenerationService(cfg config.Config, log *slog.Logger, accounts AccountStore, jobs JobStore, gateway Gateway, keys keypool.Scheduler, objects ObjectStore, xp XPAwarder, alerts notify.Notifier) *GenerationService {
	if alerts == nil {
		alerts = notify.Nop{}
	}
	return &GenerationService{
		cfg:      cfg,
		log:      log,
		accounts: accounts,
		jobs:     jobs,
		gateway:  gateway,
		keys:     keys,
		objects:  objects,
		xp:       xp,
		alerts:   alerts,
		features: map[Feature]featureRule{
			FeatureGenerate: {
				txType: models.TxImageGeneration, price: cfg.Generate,
				maxImages: maxInputImages, needsPrompt: true,
			},
			FeatureRemoveBackground: {
				txType: models.TxBGRemoval, price: cfg.RemoveBackground,
				minImages: 1, maxImages: 1,
				instruction: "Remove the background of this image completely. Keep the main subject unchanged and place it on a plain white background.",
			},
			FeatureFaceID: {
				txType: models.TxFaceIDProcess, price: cfg.FaceID,
				minImages: 1, maxImages: 3, needsPrompt: true,
				instruction: "Use the face in the reference photos and keep the person's identity and facial features exactly. Scene:",
			},
			FeatureTool: {
				txType: models.TxToolUse, price: cfg.Tool,
				minImages: 1, maxImages: 1, needsPrompt: true,
				instruction: "Edit this image as follows:",
			},
		},
		now:             time.Now,
		recordRetryWait: 200 * time.Millisecond,
	}
}

// Generate runs one synchronous paid feature end to end.
func (s *GenerationService) Generate(ctx context.Context, accountID string, req GenerateRequest) (*GenerateResult, error) {
	rule, ok := s.features[req.Feature]
	if !ok {
		return nil, fmt.Errorf("%w: unknown feature %q", ErrInvalidInput, req.Feature)
	}
	prompt := strings.TrimSpace(req.Prompt)
	req.JobID = strings.TrimSpace(req.JobID)
	if err := validateJobID(req.JobID); err != nil {
		return nil, err
	}
	if rule.needsPrompt && prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if len([]rune(prompt)) > maxPromptLength {
		return nil, fmt.Errorf("%w: prompt is too long", ErrInvalidInput)
	}
	if len(req.Images) < rule.minImages || len(req.Images) > rule.maxImages {
		return nil, fmt.Errorf("%w: expected %d to %d images, got %d", ErrInvalidInput, rule.minImages, rule.maxImages, len(req.Images))
	}
	if err := validateImages(req.Images); err != nil {
		return nil, err
	}
	if rule.price.Cost <= 0 {
		return nil, fmt.Errorf("%w: feature %s has no price", ErrInvalidInput, req.Feature)
	}

	description := prompt
	if description == "" {
		description = string(req.Feature)
	}
	payload, err := json.Marshal(map[string]any{
		"feature": req.Feature,
		"prompt":  prompt,
		"images":  len(req.Images),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	job := &models.GenerationJob{
		ID:          req.JobID,
		AccountID:   accountID,
		Kind:        rule.txType,
		Cost:        rule.price.Cost,
		Status:      models.JobRunning,
		Description: description,
		Payload:     payload,
	}
	if err := s.Reserve(ctx, job); err != nil {
		return nil, err
	}

	parts := buildParts(rule.instruction, prompt, req.Images)
	cred, img, err := s.Invoke(ctx, parts)
	if err != nil {
		s.Rollback(ctx, job, err.Error())
		return nil, upstreamError(err)
	}

	if err := s.Commit(ctx, job, cred, img, rule.price.XP); err != nil {
		return nil, err
	}

	result := &GenerateResult{Job: job, Cost: job.Cost}
	if acc, err := s.accounts.FindByID(ctx, accountID); err == nil && acc != nil {
		result.Diamonds = acc.Diamonds
	}
	return result, nil
}

// Reserve debits the job cost and stores the job in one transaction.
func (s *GenerationService) Reserve(ctx context.Context, job *models.GenerationJob) error {
	err := s.accounts.Reserve(ctx, repository.Reservation{
		AccountID:   job.AccountID,
		Cost:        job.Cost,
		Type:        job.Kind,
		Description: reservationDescription(job),
		Job:         job,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrAccountNotFound):
		return fmt.Errorf("%w: account", ErrNotFound)
	case errors.Is(err, repository.ErrInsufficientBalance), errors.Is(err, repository.ErrDuplicateJob):
		return err
	default:
		return fmt.Errorf("reserve: %w", err)
	}
}

// Invoke acquires a credential and calls the provider once. The credential
// is released as failed on error; on success the caller releases it through
// Commit.
func (s *GenerationService) Invoke(ctx context.Context, parts []imagegen.Part) (*models.Credential, *imagegen.Image, error) {
	cred, err := s.keys.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	started := s.now()
	img, err := s.gateway.Generate(ctx, cred.APIKey, parts)
	metrics.RecordProviderCall(s.now().Sub(started), err == nil)
	if err != nil {
		s.keys.Release(ctx, cred, false)
		return nil, nil, err
	}
	if img == nil || len(img.Bytes) == 0 {
		s.keys.Release(ctx, cred, false)
		return nil, nil, imagegen.ErrNoImage
	}
	return cred, img, nil
}

// Commit uploads the artifact and records the job as succeeded before
// anything is reported back. An upload or record failure rolls the job back.
// XP and credential usage fan out afterwards; their failures are logged only,
// since the artifact is already delivered.
func (s *GenerationService) Commit(ctx context.Context, job *models.GenerationJob, cred *models.Credential, img *imagegen.Image, xp int) error {
	key := s.objects.KeyFor(job.AccountID, img.Mime)
	url, err := s.objects.Put(ctx, key, img.Bytes, img.Mime)
	if err != nil {
		s.keys.Release(ctx, cred, true)
		s.Rollback(ctx, job, "upload failed: "+err.Error())
		return fmt.Errorf("%w: could not store result", ErrUpstreamFailure)
	}

	// The object exists now; settling the job must not die with the request.
	bg := context.WithoutCancel(ctx)
	if err := s.recordResult(bg, job, url, key); err != nil {
		s.keys.Release(bg, cred, true)
		if errors.Is(err, ErrJobSettled) {
			s.discardObject(bg, job, key)
			s.log.Warn("job refunded while running, result discarded", "job_id", job.ID, "account_id", job.AccountID)
			return err
		}
		if s.rollback(bg, job, "record result failed: "+err.Error(), time.Time{}) {
			s.discardObject(bg, job, key)
		}
		return fmt.Errorf("%w: could not record result", ErrUpstreamFailure)
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := s.xp.AwardXP(bg, job.AccountID, xp); err != nil {
			return fmt.Errorf("award xp: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.keys.Release(bg, cred, true)
		return nil
	})
	if err := g.Wait(); err != nil {
		s.log.Error("commit bookkeeping failed", "job_id", job.ID, "account_id", job.AccountID, "err", err)
	}

	job.Status = models.JobSucceeded
	job.ProgressMessage = ""
	job.ResultURL = url
	job.ResultKey = key
	metrics.RecordJob(string(job.Kind), "succeeded")
	s.log.Info("job succeeded", "job_id", job.ID, "account_id", job.AccountID, "kind", job.Kind, "cost", job.Cost)
	return nil
}

// recordResult moves the job to succeeded, retrying transient failures. It
// returns ErrJobSettled when the job was refunded in the meantime.
func (s *GenerationService) recordResult(ctx context.Context, job *models.GenerationJob, url, key string) error {
	var err error
	for attempt := 0; attempt < recordAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * s.recordRetryWait)
		}
		err = s.jobs.MarkSucceeded(ctx, job.ID, url, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrJobNotFound) {
			break
		}
	}

	// A lost acknowledgement can hide a write that landed.
	current, getErr := s.jobs.Get(ctx, job.ID)
	if getErr != nil {
		return err
	}
	if current == nil {
		return ErrJobSettled
	}
	if current.Status == models.JobSucceeded && current.ResultKey == key {
		return nil
	}
	return err
}

func (s *GenerationService) discardObject(ctx context.Context, job *models.GenerationJob, key string) {
	if err := s.objects.Delete(ctx, key); err != nil {
		s.log.Warn("delete discarded image failed", "job_id", job.ID, "key", key, "err", err)
	}
}

// Rollback deletes the job and refunds its full cost. A failed refund is
// logged, counted and reported to the admins, never retried and never
// returned to the caller.
func (s *GenerationService) Rollback(ctx context.Context, job *models.GenerationJob, reason string) {
	s.rollback(ctx, job, reason, time.Time{})
}

// rollback reports whether this call refunded the job. A non-zero idleSince
// limits the refund to a job with no progress since then.
func (s *GenerationService) rollback(ctx context.Context, job *models.GenerationJob, reason string, idleSince time.Time) bool {
	ctx = context.WithoutCancel(ctx)
	err := s.accounts.Refund(ctx, repository.Refund{
		AccountID: job.AccountID,
		JobID:     job.ID,
		Amount:    job.Cost,
		Reason:    reason,
		IdleSince: idleSince,
	})
	switch {
	case err == nil:
		metrics.RecordRefund(true)
		metrics.RecordJob(string(job.Kind), "refunded")
		s.log.Warn("job rolled back", "job_id", job.ID, "account_id", job.AccountID, "cost", job.Cost, "reason", reason)
		return true
	case errors.Is(err, repository.ErrJobNotFound):
		// Finished, refunded by someone else, or active again.
		s.log.Info("rollback skipped, job already settled", "job_id", job.ID)
	default:
		metrics.RecordRefund(false)
		s.log.Error("refund failed", "job_id", job.ID, "account_id", job.AccountID, "cost", job.Cost, "reason", reason, "err", err)
		s.alerts.Alert(ctx, fmt.Sprintf("Refund failed: job %s, account %s, %d diamonds: %v", job.ID, job.AccountID, job.Cost, err))
	}
	return false
}

// Job returns a job visible to the principal: its owner or an admin.
func (s *GenerationService) Job(ctx context.Context, principalID string, isAdmin bool, id string) (*models.GenerationJob, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job", ErrNotFound)
	}
	if job.AccountID != principalID && !isAdmin {
		return nil, ErrForbidden
	}
	return job, nil
}

func (s *GenerationService) ListJobs(ctx context.Context, accountID string, limit int) ([]models.GenerationJob, error) {
	return s.jobs.ListByAccount(ctx, accountID, clampLimit(limit, 20, 100))
}

// DeleteJob removes a finished job and its stored image.
func (s *GenerationService) DeleteJob(ctx context.Context, accountID, id string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: job", ErrNotFound)
	}
	if job.AccountID != accountID {
		return ErrForbidden
	}
	if job.Status != models.JobSucceeded {
		return fmt.Errorf("%w: job is still running", ErrConflict)
	}
	if err := s.jobs.DeleteFinished(ctx, id, accountID); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return fmt.Errorf("%w: job", ErrNotFound)
		}
		return err
	}
	if err := s.objects.Delete(ctx, job.ResultKey); err != nil {
		s.log.Warn("delete stored image failed", "job_id", id, "key", job.ResultKey, "err", err)
	}
	return nil
}

// Share publishes a finished job to the gallery and pays the share reward.
func (s *GenerationService) Share(ctx context.Context, accountID, id string) (*models.GenerationJob, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job", ErrNotFound)
	}
	if job.AccountID != accountID {
		return nil, ErrForbidden
	}
	if err := s.accounts.PublishJob(ctx, id, accountID, s.cfg.ShareReward); err != nil {
		if errors.Is(err, repository.ErrShareRejected) {
			return nil, fmt.Errorf("%w: job is already public or not finished", ErrConflict)
		}
		return nil, err
	}
	job.IsPublic = true
	return job, nil
}

func (s *GenerationService) Gallery(ctx context.Context, limit, offset int) ([]models.GenerationJob, error) {
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListPublic(ctx, clampLimit(limit, 24, 100), offset)
}

func reservationDescription(job *models.GenerationJob) string {
	desc := strings.TrimSpace(job.Description)
	if desc == "" {
		return string(job.Kind)
	}
	return string(job.Kind) + ": " + desc
}

func buildParts(instruction, prompt string, images []InputImage) []imagegen.Part {
	parts := make([]imagegen.Part, 0, len(images)+1)
	text := strings.TrimSpace(strings.TrimSpace(instruction) + " " + prompt)
	if text != "" {
		parts = append(parts, imagegen.TextPart(text))
	}
	for _, img := range images {
		parts = append(parts, imagegen.ImagePart(img.MimeType, img.Data))
	}
	return parts
}

func validateJobID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidInput)
	}
	if len(id) > maxJobIDLength {
		return fmt.Errorf("%w: job_id is too long", ErrInvalidInput)
	}
	return nil
}

func validateImages(images []InputImage) error {
	for i, img := range images {
		if len(img.Data) == 0 {
			return fmt.Errorf("%w: image %d is empty", ErrInvalidInput, i+1)
		}
		if len(img.Data) > maxImageBytes {
			return fmt.Errorf("%w: image %d is too large", ErrInvalidInput, i+1)
		}
		switch strings.ToLower(img.MimeType) {
		case "image/png", "image/jpeg", "image/jpg", "image/webp":
		default:
			return fmt.Errorf("%w: image %d has unsupported type %q", ErrInvalidInput, i+1, img.MimeType)
		}
	}
	return nil
}

// upstreamError keeps exhaustion distinguishable and hides provider details.
func upstreamError(err error) error {
	if errors.Is(err, keypool.ErrUpstreamExhausted) {
		return ErrUpstreamExhausted
	}
	return ErrUpstreamFailure
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
