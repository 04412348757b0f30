package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/veridoc/veridoc/internal/errors"

	"github.com/veridoc/veridoc/internal/core"
	"github.com/veridoc/veridoc/internal/data"
	"github.com/veridoc/veridoc/internal/domain/consensus"
	"github.com/veridoc/veridoc/internal/domain/model"
)

// ReviewServiceOptions groups dependencies for ReviewService.
type ReviewServiceOptions struct {
	Jobs         core.JobRepository    // Required: job repository
	Reviews      core.ReviewRepository // Required: review-task repository
	Rules        consensus.Rules       // Required: quorum size and agreement threshold
	QuorumWindow time.Duration         // Required: tier-1 vote deadline window
	ExpertWindow time.Duration         // Required: tier-2 vote deadline window
	Publisher    core.EventPublisher   // Optional: finalized-event fan-out
	Logger       *slog.Logger          // Optional: structured logger
	TimeProvider data.TimeProvider     // Optional: clock override for tests
}

// ReviewService routes low-confidence results through the tier-1 quorum and
// the tier-2 expert escalation. Settlement is recomputed from the stored
// votes on every trigger, so concurrent triggers converge on one outcome and
// the conditional job transition decides which caller wins.
type ReviewService struct {
	jobs         core.JobRepository
	reviews      core.ReviewRepository
	rules        consensus.Rules
	quorumWindow time.Duration
	expertWindow time.Duration
	publisher    core.EventPublisher
	logger       *slog.Logger
	timeProvider data.TimeProvider
}

// NewReviewService constructs a new ReviewService.
func NewReviewService(opts ReviewServiceOptions) (*ReviewService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Reviews == nil {
		return nil, errors.New("ReviewRepository is required")
	}
	if err := opts.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus rules: %w", err)
	}
	if opts.QuorumWindow <= 0 {
		return nil, errors.New("QuorumWindow must be positive")
	}
	if opts.ExpertWindow <= 0 {
		return nil, errors.New("ExpertWindow must be positive")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "review_service")
	}

	return &ReviewService{
		jobs:         opts.Jobs,
		reviews:      opts.Reviews,
		rules:        opts.Rules,
		quorumWindow: opts.QuorumWindow,
		expertWindow: opts.ExpertWindow,
		publisher:    opts.Publisher,
		logger:       logger,
		timeProvider: tp,
	}, nil
}

// Route parks a processing job for tier-1 review and creates the quorum
// batch. Racing callers are safe: the job transition is conditional and the
// quorum creation is unique per job, so a loser reports a conflict without
// side effects.
func (s *ReviewService) Route(ctx context.Context, jobID string, confidence float64, resultRef string) error {
	updated, err := s.jobs.RouteToReview(ctx, core.RouteToReviewParams{
		JobID:      jobID,
		Confidence: confidence,
		ResultRef:  resultRef,
	})
	if err != nil {
		return fmt.Errorf("route job %s to review: %w", jobID, err)
	}
	if !updated {
		return apperrors.Conflict("job left processing before review routing")
	}

	deadline := s.timeProvider.Now().Add(s.quorumWindow)
	if _, err := s.reviews.CreateQuorum(ctx, core.CreateQuorumParams{
		JobID:    jobID,
		Quorum:   s.rules.Quorum,
		Deadline: deadline,
	}); err != nil {
		// A conflict means the batch already exists from an earlier
		// attempt; the review proceeds on it.
		if !apperrors.IsConflict(err) {
			return fmt.Errorf("create quorum for job %s: %w", jobID, err)
		}
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job routed to review",
			"id", jobID,
			"confidence", confidence,
			"quorum", s.rules.Quorum,
			"deadline", deadline,
		)
	}
	return nil
}

// SubmitVote records a reviewer's vote and attempts settlement. Duplicate
// submissions are idempotent: the stored vote wins and the review state is
// untouched.
func (s *ReviewService) SubmitVote(ctx context.Context, taskID, vote string) (*core.RecordVoteResult, error) {
	result, err := s.reviews.RecordVote(ctx, taskID, vote)
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		return result, nil
	}

	if settleErr := s.Settle(ctx, result.Task.JobID); settleErr != nil && !apperrors.IsConflict(settleErr) {
		return nil, settleErr
	}
	return result, nil
}

// Settle recomputes the review outcome for a job and applies it. Safe to
// call on every vote arrival, on notification, and from the deadline sweep.
func (s *ReviewService) Settle(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case model.JobStatusAwaitingReview:
		return s.settleQuorum(ctx, job)
	case model.JobStatusEscalated:
		return s.settleExpert(ctx, job)
	default:
		// Already settled by a concurrent trigger, or never in review.
		return nil
	}
}

func (s *ReviewService) settleQuorum(ctx context.Context, job *model.Job) error {
	tasks, err := s.reviews.ListByJob(ctx, job.ID, model.ReviewTierQuorum)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return apperrors.Internal(fmt.Sprintf("job %s awaits review but has no quorum tasks", job.ID))
	}

	decision, err := consensus.Evaluate(tasks, s.rules, s.timeProvider.Now())
	if err != nil {
		return fmt.Errorf("evaluate consensus for job %s: %w", job.ID, err)
	}

	switch decision.Outcome {
	case consensus.OutcomePending:
		return nil

	case consensus.OutcomeFinalize:
		updated, finErr := s.jobs.Finalize(ctx, core.FinalizeParams{
			JobID: job.ID,
			From:  []model.JobStatus{model.JobStatusAwaitingReview},
		})
		if finErr != nil {
			return fmt.Errorf("finalize reviewed job %s: %w", job.ID, finErr)
		}
		if !updated {
			return apperrors.Conflict("job settled by concurrent trigger")
		}
		s.voidRemaining(ctx, job.ID)
		s.publishSettled(ctx, job, model.JobStatusCompleted, &decision.Result)

		if s.logger != nil {
			s.logger.InfoContext(ctx, "review settled by consensus",
				"id", job.ID,
				"majority_vote", decision.Result.MajorityVote,
				"agreement_ratio", decision.Result.AgreementRatio,
				"votes", decision.Result.VotesReceived,
			)
		}
		return nil

	case consensus.OutcomeEscalate:
		updated, escErr := s.jobs.Escalate(ctx, job.ID)
		if escErr != nil {
			return fmt.Errorf("escalate job %s: %w", job.ID, escErr)
		}
		if !updated {
			return apperrors.Conflict("job settled by concurrent trigger")
		}
		s.voidRemaining(ctx, job.ID)

		deadline := s.timeProvider.Now().Add(s.expertWindow)
		if _, expErr := s.reviews.CreateExpert(ctx, job.ID, deadline); expErr != nil && !apperrors.IsConflict(expErr) {
			return fmt.Errorf("create expert task for job %s: %w", job.ID, expErr)
		}

		if s.logger != nil {
			s.logger.WarnContext(ctx, "review escalated to expert",
				"id", job.ID,
				"agreement_ratio", decision.Result.AgreementRatio,
				"votes", decision.Result.VotesReceived,
				"deadline", deadline,
			)
		}
		return nil
	}
	return nil
}

// settleExpert applies the tier-2 decision. The expert's vote is
// authoritative and overrides the tier-1 tally. An expert who misses the
// deadline falls back to the tier-1 majority when one exists; otherwise the
// job fails for an operator to retry.
func (s *ReviewService) settleExpert(ctx context.Context, job *model.Job) error {
	tasks, err := s.reviews.ListByJob(ctx, job.ID, model.ReviewTierExpert)
	if err != nil {
		return err
	}

	now := s.timeProvider.Now()
	var expert *model.ReviewTask
	for i := range tasks {
		if tasks[i].Vote != nil {
			expert = &tasks[i]
			break
		}
	}

	if expert != nil {
		updated, finErr := s.jobs.Finalize(ctx, core.FinalizeParams{
			JobID: job.ID,
			From:  []model.JobStatus{model.JobStatusEscalated},
		})
		if finErr != nil {
			return fmt.Errorf("finalize escalated job %s: %w", job.ID, finErr)
		}
		if !updated {
			return apperrors.Conflict("job settled by concurrent trigger")
		}

		result := &model.ConsensusResult{
			JobID:          job.ID,
			MajorityVote:   *expert.Vote,
			AgreementRatio: 1,
			VotesReceived:  1,
			Escalated:      true,
		}
		s.publishSettled(ctx, job, model.JobStatusCompleted, result)

		if s.logger != nil {
			s.logger.InfoContext(ctx, "review settled by expert",
				"id", job.ID,
				"vote", *expert.Vote,
			)
		}
		return nil
	}

	// No expert vote yet.
	deadlinePassed := true
	for i := range tasks {
		if tasks[i].Open(now) {
			deadlinePassed = false
			break
		}
	}
	if len(tasks) == 0 || !deadlinePassed {
		return nil
	}

	tier1, err := s.reviews.ListByJob(ctx, job.ID, model.ReviewTierQuorum)
	if err != nil {
		return err
	}
	decision, err := consensus.Evaluate(tier1, s.rules, now)
	if err != nil {
		return fmt.Errorf("evaluate fallback consensus for job %s: %w", job.ID, err)
	}

	if decision.Result.VotesReceived > 0 {
		updated, finErr := s.jobs.Finalize(ctx, core.FinalizeParams{
			JobID: job.ID,
			From:  []model.JobStatus{model.JobStatusEscalated},
		})
		if finErr != nil {
			return fmt.Errorf("finalize expired escalation %s: %w", job.ID, finErr)
		}
		if !updated {
			return apperrors.Conflict("job settled by concurrent trigger")
		}
		decision.Result.Escalated = true
		s.publishSettled(ctx, job, model.JobStatusCompleted, &decision.Result)

		if s.logger != nil {
			s.logger.WarnContext(ctx, "expert deadline passed, settled on tier-1 majority",
				"id", job.ID,
				"majority_vote", decision.Result.MajorityVote,
			)
		}
		return nil
	}

	updated, failErr := s.jobs.FailTerminal(ctx, job.ID, "review expired without votes")
	if failErr != nil {
		return fmt.Errorf("fail expired escalation %s: %w", job.ID, failErr)
	}
	if !updated {
		return apperrors.Conflict("job settled by concurrent trigger")
	}
	s.publishSettled(ctx, job, model.JobStatusFailed, nil)

	if s.logger != nil {
		s.logger.ErrorContext(ctx, "review expired without any votes", "id", job.ID)
	}
	return nil
}

// SettleDeadlines sweeps jobs whose open tasks are past deadline and settles
// each. Returns the number of jobs that reached a decision.
func (s *ReviewService) SettleDeadlines(ctx context.Context, limit int) (int, error) {
	jobIDs, err := s.reviews.ListJobsPastDeadline(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, jobID := range jobIDs {
		if settleErr := s.Settle(ctx, jobID); settleErr != nil {
			if apperrors.IsConflict(settleErr) {
				continue
			}
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "deadline settlement failed", "id", jobID, "error", settleErr)
			}
			continue
		}
		settled++
	}
	return settled, nil
}

// GetTask retrieves a review task by ID.
func (s *ReviewService) GetTask(ctx context.Context, taskID string) (*model.ReviewTask, error) {
	return s.reviews.GetTask(ctx, taskID)
}

// ListByJob returns a job's review tasks for one tier.
func (s *ReviewService) ListByJob(ctx context.Context, jobID string, tier model.ReviewTier) ([]model.ReviewTask, error) {
	return s.reviews.ListByJob(ctx, jobID, tier)
}

func (s *ReviewService) voidRemaining(ctx context.Context, jobID string) {
	if _, err := s.reviews.VoidOpenTasks(ctx, jobID); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "void open review tasks failed", "id", jobID, "error", err)
	}
}

func (s *ReviewService) publishSettled(ctx context.Context, job *model.Job, status model.JobStatus, result *model.ConsensusResult) {
	if s.publisher == nil {
		return
	}

	event := model.FinalizedEvent{
		JobID:           job.ID,
		Status:          status,
		ConfidenceScore: job.ConfidenceScore,
		Consensus:       result,
		FinalizedAt:     s.timeProvider.Now().UTC(),
	}
	if job.ResultRef != nil {
		event.ResultRef = *job.ResultRef
	}
	if err := s.publisher.PublishFinalized(ctx, event); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "publish settled event failed", "id", job.ID, "error", err)
	}
}
