package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// InTx runs fn against a store bound to a single transaction. Calling InTx
// on a store that is already transactional reuses the open transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Repository) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertWorkflowTemplate(ctx context.Context, tmpl WorkflowTemplate) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, workspace_id, title, sort_index, aggregation_policy, aggregation_threshold, archived, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, tmpl.ID, tmpl.WorkspaceID, tmpl.Title, tmpl.SortIndex, string(tmpl.Aggregation.Policy), tmpl.Aggregation.Threshold, tmpl.Archived, tmpl.CreatedBy, tmpl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow template: %w", err)
	}
	return s.insertTemplateSteps(ctx, tmpl.ID, tmpl.Steps)
}

func (s *PostgresStore) insertTemplateSteps(ctx context.Context, templateID string, steps []StepTemplate) error {
	for index, step := range steps {
		permissions, err := marshalJSON(nonNilPermissions(step.Permissions))
		if err != nil {
			return err
		}
		reviewers, err := marshalJSON(nonNilStrings(step.Reviewers))
		if err != nil {
			return err
		}
		appealReviewers, err := marshalJSON(nonNilStrings(step.AppealReviewers))
		if err != nil {
			return err
		}
		criteria, err := marshalJSON(nonNilCriteria(step.RubricCriteria))
		if err != nil {
			return err
		}
		_, err = s.q.ExecContext(ctx, `
			INSERT INTO workflow_template_steps (
				id, template_id, step_index, title, step_type, permissions, reviewers,
				required_reviews, final_step, appeal_reviewers, appeal_required_reviews, rubric_criteria
			)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10::jsonb, $11, $12::jsonb)
		`, step.ID, templateID, index, step.Title, string(step.Type), permissions, reviewers,
			atLeastOne(step.RequiredReviews), step.FinalStep, appealReviewers, atLeastOne(step.AppealRequiredReviews), criteria)
		if err != nil {
			return fmt.Errorf("insert workflow template step %d: %w", index, err)
		}
	}
	return nil
}

const templateColumns = `id, workspace_id, title, sort_index, aggregation_policy, aggregation_threshold, archived, created_by, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (WorkflowTemplate, error) {
	var tmpl WorkflowTemplate
	var policy string
	err := row.Scan(
		&tmpl.ID,
		&tmpl.WorkspaceID,
		&tmpl.Title,
		&tmpl.SortIndex,
		&policy,
		&tmpl.Aggregation.Threshold,
		&tmpl.Archived,
		&tmpl.CreatedBy,
		&tmpl.CreatedAt,
		&tmpl.UpdatedAt,
	)
	tmpl.Aggregation.Policy = PolicyName(policy)
	return tmpl, err
}

func (s *PostgresStore) GetWorkflowTemplate(ctx context.Context, templateID string) (WorkflowTemplate, error) {
	tmpl, err := scanTemplate(s.q.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id=$1`, templateID))
	if err != nil {
		return WorkflowTemplate{}, err
	}
	steps, err := s.listTemplateSteps(ctx, templateID)
	if err != nil {
		return WorkflowTemplate{}, err
	}
	tmpl.Steps = steps
	return tmpl, nil
}

func (s *PostgresStore) listTemplateSteps(ctx context.Context, templateID string) ([]StepTemplate, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, title, step_type, permissions, reviewers, required_reviews, final_step,
			appeal_reviewers, appeal_required_reviews, rubric_criteria
		FROM workflow_template_steps
		WHERE template_id = $1
		ORDER BY step_index ASC
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list workflow template steps: %w", err)
	}
	defer rows.Close()

	steps := []StepTemplate{}
	for rows.Next() {
		var step StepTemplate
		var stepType string
		var permissions, reviewers, appealReviewers, criteria []byte
		if err := rows.Scan(
			&step.ID,
			&step.Title,
			&stepType,
			&permissions,
			&reviewers,
			&step.RequiredReviews,
			&step.FinalStep,
			&appealReviewers,
			&step.AppealRequiredReviews,
			&criteria,
		); err != nil {
			return nil, fmt.Errorf("scan workflow template step: %w", err)
		}
		step.Type = StepType(stepType)
		if err := unmarshalJSON(permissions, &step.Permissions); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(reviewers, &step.Reviewers); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(appealReviewers, &step.AppealReviewers); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(criteria, &step.RubricCriteria); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) ListWorkflowTemplates(ctx context.Context, workspaceID string, includeArchived bool) ([]WorkflowTemplate, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+templateColumns+`
		FROM workflow_templates
		WHERE workspace_id = $1 AND ($2 OR archived = FALSE)
		ORDER BY sort_index ASC, created_at ASC
	`, workspaceID, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list workflow templates: %w", err)
	}
	templates := []WorkflowTemplate{}
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan workflow template: %w", err)
		}
		templates = append(templates, tmpl)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range templates {
		steps, err := s.listTemplateSteps(ctx, templates[i].ID)
		if err != nil {
			return nil, err
		}
		templates[i].Steps = steps
	}
	return templates, nil
}

func (s *PostgresStore) UpdateWorkflowTemplate(ctx context.Context, tmpl WorkflowTemplate) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE workflow_templates
		SET title=$2, aggregation_policy=$3, aggregation_threshold=$4, updated_at=$5
		WHERE id=$1
	`, tmpl.ID, tmpl.Title, string(tmpl.Aggregation.Policy), tmpl.Aggregation.Threshold, tmpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update workflow template: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM workflow_template_steps WHERE template_id=$1`, tmpl.ID); err != nil {
		return fmt.Errorf("clear workflow template steps: %w", err)
	}
	return s.insertTemplateSteps(ctx, tmpl.ID, tmpl.Steps)
}

func (s *PostgresStore) SetWorkflowTemplateArchived(ctx context.Context, templateID string, archived bool) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE workflow_templates SET archived=$2, updated_at=NOW() WHERE id=$1
	`, templateID, archived)
	if err != nil {
		return false, fmt.Errorf("set workflow template archived: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) NextTemplateSortIndex(ctx context.Context, workspaceID string) (int, error) {
	var next int
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sort_index) + 1, 0) FROM workflow_templates WHERE workspace_id=$1
	`, workspaceID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next template sort index: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) InsertProposal(ctx context.Context, proposal Proposal) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO proposals (id, workspace_id, title, draft, archived, workflow_template_id, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, proposal.ID, proposal.WorkspaceID, proposal.Title, proposal.Draft, proposal.Archived,
		nullableString(proposal.WorkflowTemplateID), proposal.Status, proposal.CreatedBy, proposal.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	for _, author := range proposal.Authors {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO proposal_authors (proposal_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, proposal.ID, author); err != nil {
			return fmt.Errorf("insert proposal author: %w", err)
		}
	}
	return nil
}

const proposalColumns = `id, workspace_id, title, draft, archived, workflow_template_id, status, created_by, created_at, updated_at`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var proposal Proposal
	var templateID sql.NullString
	err := row.Scan(
		&proposal.ID,
		&proposal.WorkspaceID,
		&proposal.Title,
		&proposal.Draft,
		&proposal.Archived,
		&templateID,
		&proposal.Status,
		&proposal.CreatedBy,
		&proposal.CreatedAt,
		&proposal.UpdatedAt,
	)
	if templateID.Valid {
		proposal.WorkflowTemplateID = &templateID.String
	}
	return proposal, err
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return s.getProposal(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID)
}

func (s *PostgresStore) LockProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return s.getProposal(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1 FOR UPDATE`, proposalID)
}

func (s *PostgresStore) getProposal(ctx context.Context, query, proposalID string) (Proposal, error) {
	proposal, err := scanProposal(s.q.QueryRowContext(ctx, query, proposalID))
	if err != nil {
		return Proposal{}, err
	}
	authors, err := s.listAuthors(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	proposal.Authors = authors
	return proposal, nil
}

func (s *PostgresStore) listAuthors(ctx context.Context, proposalID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT user_id FROM proposal_authors WHERE proposal_id=$1 ORDER BY user_id`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list proposal authors: %w", err)
	}
	defer rows.Close()
	authors := []string{}
	for rows.Next() {
		var author string
		if err := rows.Scan(&author); err != nil {
			return nil, fmt.Errorf("scan proposal author: %w", err)
		}
		authors = append(authors, author)
	}
	return authors, rows.Err()
}

func (s *PostgresStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error) {
	where := []string{"1=1"}
	args := []any{}
	argN := 1
	if filter.WorkspaceID != "" {
		where = append(where, fmt.Sprintf("workspace_id = $%d", argN))
		args = append(args, filter.WorkspaceID)
		argN++
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, filter.Status)
		argN++
	}
	if len(filter.IDs) > 0 {
		where = append(where, fmt.Sprintf("id = ANY($%d)", argN))
		args = append(args, filter.IDs)
		argN++
	}
	if !filter.IncludeArchived {
		where = append(where, "archived = FALSE")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM proposals
		WHERE %s
		ORDER BY updated_at DESC, id ASC
		LIMIT $%d
	`, proposalColumns, strings.Join(where, " AND "), argN)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	proposals := []Proposal{}
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, proposal)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range proposals {
		authors, err := s.listAuthors(ctx, proposals[i].ID)
		if err != nil {
			return nil, err
		}
		proposals[i].Authors = authors
	}
	return proposals, nil
}

func (s *PostgresStore) UpdateProposal(ctx context.Context, proposal Proposal) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposals
		SET title=$2, draft=$3, archived=$4, workflow_template_id=$5, status=$6, updated_at=$7
		WHERE id=$1
	`, proposal.ID, proposal.Title, proposal.Draft, proposal.Archived,
		nullableString(proposal.WorkflowTemplateID), proposal.Status, proposal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertEvaluation(ctx context.Context, evaluation Evaluation) error {
	permissions, err := marshalJSON(nonNilPermissions(evaluation.Permissions))
	if err != nil {
		return err
	}
	reviewers, err := marshalJSON(nonNilStrings(evaluation.Reviewers))
	if err != nil {
		return err
	}
	appealReviewers, err := marshalJSON(nonNilStrings(evaluation.Appeal.Reviewers))
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO proposal_evaluations (
			id, proposal_id, step_index, template_step_id, title, step_type, permissions, reviewers,
			required_reviews, final_step, aggregation_policy, aggregation_threshold,
			appeal_reviewers, appeal_required_reviews, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13::jsonb, $14, $15, $15)
	`, evaluation.ID, evaluation.ProposalID, evaluation.Index, evaluation.TemplateStepID, evaluation.Title,
		string(evaluation.Type), permissions, reviewers, atLeastOne(evaluation.RequiredReviews), evaluation.FinalStep,
		string(evaluation.Aggregation.Policy), evaluation.Aggregation.Threshold,
		appealReviewers, atLeastOne(evaluation.Appeal.RequiredReviews), evaluation.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert evaluation %d: %w", evaluation.Index, ErrDuplicate)
		}
		return fmt.Errorf("insert evaluation %d: %w", evaluation.Index, err)
	}
	for position, criterion := range evaluation.Criteria {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO rubric_criteria (id, evaluation_id, position, title, description, min_score, max_score)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, criterion.ID, evaluation.ID, position, criterion.Title, criterion.Description, criterion.Min, criterion.Max); err != nil {
			return fmt.Errorf("insert rubric criterion: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteEvaluations(ctx context.Context, proposalID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM proposal_evaluations WHERE proposal_id=$1`, proposalID); err != nil {
		return fmt.Errorf("delete evaluations: %w", err)
	}
	return nil
}

const evaluationColumns = `
	id, proposal_id, step_index, template_step_id, title, step_type, permissions, reviewers,
	required_reviews, final_step, aggregation_policy, aggregation_threshold,
	result, completed_at, declined_at,
	appeal_enabled, appeal_reviewers, appeal_required_reviews, appealed_at, appealed_by, appeal_original_result,
	created_at, updated_at`

func scanEvaluation(row interface{ Scan(...any) error }) (Evaluation, error) {
	var evaluation Evaluation
	var stepType, policy string
	var permissions, reviewers, appealReviewers []byte
	var result, appealedBy, originalResult sql.NullString
	var completedAt, declinedAt, appealedAt sql.NullTime
	err := row.Scan(
		&evaluation.ID,
		&evaluation.ProposalID,
		&evaluation.Index,
		&evaluation.TemplateStepID,
		&evaluation.Title,
		&stepType,
		&permissions,
		&reviewers,
		&evaluation.RequiredReviews,
		&evaluation.FinalStep,
		&policy,
		&evaluation.Aggregation.Threshold,
		&result,
		&completedAt,
		&declinedAt,
		&evaluation.Appeal.Enabled,
		&appealReviewers,
		&evaluation.Appeal.RequiredReviews,
		&appealedAt,
		&appealedBy,
		&originalResult,
		&evaluation.CreatedAt,
		&evaluation.UpdatedAt,
	)
	if err != nil {
		return Evaluation{}, err
	}
	evaluation.Type = StepType(stepType)
	evaluation.Aggregation.Policy = PolicyName(policy)
	evaluation.Result = nullableResult(result)
	evaluation.CompletedAt = nullableTime(completedAt)
	evaluation.DeclinedAt = nullableTime(declinedAt)
	evaluation.Appeal.AppealedAt = nullableTime(appealedAt)
	evaluation.Appeal.AppealedBy = appealedBy.String
	evaluation.Appeal.OriginalResult = nullableResult(originalResult)
	if err := unmarshalJSON(permissions, &evaluation.Permissions); err != nil {
		return Evaluation{}, err
	}
	if err := unmarshalJSON(reviewers, &evaluation.Reviewers); err != nil {
		return Evaluation{}, err
	}
	if err := unmarshalJSON(appealReviewers, &evaluation.Appeal.Reviewers); err != nil {
		return Evaluation{}, err
	}
	return evaluation, nil
}

func (s *PostgresStore) ListEvaluations(ctx context.Context, proposalID string) ([]Evaluation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+evaluationColumns+`
		FROM proposal_evaluations
		WHERE proposal_id=$1
		ORDER BY step_index ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	evaluations := []Evaluation{}
	for rows.Next() {
		evaluation, err := scanEvaluation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		evaluations = append(evaluations, evaluation)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range evaluations {
		if err := s.loadEvaluationChildren(ctx, &evaluations[i]); err != nil {
			return nil, err
		}
	}
	return evaluations, nil
}

func (s *PostgresStore) GetEvaluation(ctx context.Context, evaluationID string) (Evaluation, error) {
	return s.getEvaluation(ctx, `SELECT `+evaluationColumns+` FROM proposal_evaluations WHERE id=$1`, evaluationID)
}

// LockEvaluation reads an evaluation with its reviews and documents after
// taking a row lock, so derived results are computed from a stable set.
func (s *PostgresStore) LockEvaluation(ctx context.Context, evaluationID string) (Evaluation, error) {
	return s.getEvaluation(ctx, `SELECT `+evaluationColumns+` FROM proposal_evaluations WHERE id=$1 FOR UPDATE`, evaluationID)
}

func (s *PostgresStore) getEvaluation(ctx context.Context, query, evaluationID string) (Evaluation, error) {
	evaluation, err := scanEvaluation(s.q.QueryRowContext(ctx, query, evaluationID))
	if err != nil {
		return Evaluation{}, err
	}
	if err := s.loadEvaluationChildren(ctx, &evaluation); err != nil {
		return Evaluation{}, err
	}
	return evaluation, nil
}

func (s *PostgresStore) loadEvaluationChildren(ctx context.Context, evaluation *Evaluation) error {
	criteria, err := s.listCriteria(ctx, evaluation.ID)
	if err != nil {
		return err
	}
	reviews, err := s.listReviews(ctx, evaluation.ID)
	if err != nil {
		return err
	}
	answers, err := s.listAnswers(ctx, evaluation.ID)
	if err != nil {
		return err
	}
	documents, err := s.listDocuments(ctx, evaluation.ID)
	if err != nil {
		return err
	}
	evaluation.Criteria = criteria
	evaluation.Reviews = reviews
	evaluation.Answers = answers
	evaluation.Documents = documents
	return nil
}

func (s *PostgresStore) listCriteria(ctx context.Context, evaluationID string) ([]RubricCriterion, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, title, description, min_score, max_score
		FROM rubric_criteria WHERE evaluation_id=$1 ORDER BY position ASC
	`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("list rubric criteria: %w", err)
	}
	defer rows.Close()
	var criteria []RubricCriterion
	for rows.Next() {
		var criterion RubricCriterion
		if err := rows.Scan(&criterion.ID, &criterion.Title, &criterion.Description, &criterion.Min, &criterion.Max); err != nil {
			return nil, fmt.Errorf("scan rubric criterion: %w", err)
		}
		criteria = append(criteria, criterion)
	}
	return criteria, rows.Err()
}

func (s *PostgresStore) listReviews(ctx context.Context, evaluationID string) ([]Review, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, evaluation_id, lane, reviewer_id, grantee_id, result, decline_reasons, completed_at
		FROM evaluation_reviews WHERE evaluation_id=$1 ORDER BY completed_at ASC, id ASC
	`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()
	var reviews []Review
	for rows.Next() {
		var review Review
		var lane, result string
		var reasons []byte
		if err := rows.Scan(&review.ID, &review.EvaluationID, &lane, &review.ReviewerID, &review.GranteeID, &result, &reasons, &review.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		review.Lane = Lane(lane)
		review.Result = Result(result)
		if err := unmarshalJSON(reasons, &review.DeclineReasons); err != nil {
			return nil, err
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}

func (s *PostgresStore) listAnswers(ctx context.Context, evaluationID string) ([]RubricAnswer, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, evaluation_id, criterion_id, lane, reviewer_id, score, comment, created_at
		FROM rubric_answers WHERE evaluation_id=$1 ORDER BY created_at ASC, id ASC
	`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("list rubric answers: %w", err)
	}
	defer rows.Close()
	var answers []RubricAnswer
	for rows.Next() {
		var answer RubricAnswer
		var lane string
		if err := rows.Scan(&answer.ID, &answer.EvaluationID, &answer.CriterionID, &lane, &answer.ReviewerID, &answer.Score, &answer.Comment, &answer.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rubric answer: %w", err)
		}
		answer.Lane = Lane(lane)
		answers = append(answers, answer)
	}
	return answers, rows.Err()
}

func (s *PostgresStore) listDocuments(ctx context.Context, evaluationID string) ([]DocumentToSign, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, evaluation_id, external_id, status, completed_at, created_at
		FROM documents_to_sign WHERE evaluation_id=$1 ORDER BY created_at ASC, id ASC
	`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("list documents to sign: %w", err)
	}
	defer rows.Close()
	var documents []DocumentToSign
	for rows.Next() {
		var document DocumentToSign
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&document.ID, &document.EvaluationID, &document.ExternalID, &status, &completedAt, &document.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document to sign: %w", err)
		}
		document.Status = DocumentStatus(status)
		document.CompletedAt = nullableTime(completedAt)
		documents = append(documents, document)
	}
	return documents, rows.Err()
}

func (s *PostgresStore) UpdateEvaluationOutcome(ctx context.Context, evaluationID string, outcome EvaluationOutcome) error {
	var result any
	if outcome.Result != nil {
		result = string(*outcome.Result)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposal_evaluations
		SET result=$2, completed_at=$3, declined_at=$4, updated_at=NOW()
		WHERE id=$1
	`, evaluationID, result, nullableTimeArg(outcome.CompletedAt), nullableTimeArg(outcome.DeclinedAt))
	if err != nil {
		return fmt.Errorf("update evaluation outcome: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateEvaluationAppeal(ctx context.Context, evaluationID string, appeal Appeal) error {
	reviewers, err := marshalJSON(nonNilStrings(appeal.Reviewers))
	if err != nil {
		return err
	}
	var originalResult any
	if appeal.OriginalResult != nil {
		originalResult = string(*appeal.OriginalResult)
	}
	var appealedBy any
	if appeal.AppealedBy != "" {
		appealedBy = appeal.AppealedBy
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposal_evaluations
		SET appeal_enabled=$2, appeal_reviewers=$3::jsonb, appeal_required_reviews=$4,
			appealed_at=$5, appealed_by=$6, appeal_original_result=$7, updated_at=NOW()
		WHERE id=$1
	`, evaluationID, appeal.Enabled, reviewers, atLeastOne(appeal.RequiredReviews),
		nullableTimeArg(appeal.AppealedAt), appealedBy, originalResult)
	if err != nil {
		return fmt.Errorf("update evaluation appeal: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateEvaluationPermissions(ctx context.Context, evaluationID string, permissions []Permission) error {
	encoded, err := marshalJSON(nonNilPermissions(permissions))
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposal_evaluations SET permissions=$2::jsonb, updated_at=NOW() WHERE id=$1
	`, evaluationID, encoded)
	if err != nil {
		return fmt.Errorf("update evaluation permissions: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertReview(ctx context.Context, review Review) error {
	reasons, err := marshalJSON(nonNilStrings(review.DeclineReasons))
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO evaluation_reviews (id, evaluation_id, lane, reviewer_id, grantee_id, result, decline_reasons, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, review.ID, review.EvaluationID, string(review.Lane), review.ReviewerID, review.GranteeID, string(review.Result), reasons, review.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert review: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertRubricAnswers(ctx context.Context, answers []RubricAnswer) error {
	for _, answer := range answers {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO rubric_answers (id, evaluation_id, criterion_id, lane, reviewer_id, score, comment, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, answer.ID, answer.EvaluationID, answer.CriterionID, string(answer.Lane), answer.ReviewerID, answer.Score, answer.Comment, answer.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert rubric answer: %w", ErrDuplicate)
			}
			return fmt.Errorf("insert rubric answer: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertDocumentToSign(ctx context.Context, document DocumentToSign) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO documents_to_sign (id, evaluation_id, external_id, status, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, document.ID, document.EvaluationID, document.ExternalID, string(document.Status), nullableTimeArg(document.CompletedAt), document.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert document to sign: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert document to sign: %w", err)
	}
	return nil
}

// UpdateDocumentToSign matches documentID against either the internal id or
// the signing provider's external id.
func (s *PostgresStore) UpdateDocumentToSign(ctx context.Context, evaluationID, documentID string, status DocumentStatus, completedAt *time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE documents_to_sign
		SET status=$3, completed_at=$4
		WHERE evaluation_id=$1 AND (id=$2 OR external_id=$2)
	`, evaluationID, documentID, string(status), nullableTimeArg(completedAt))
	if err != nil {
		return false, fmt.Errorf("update document to sign: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalJSON(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(encoded), nil
}

func unmarshalJSON(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

func nullableString(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func nullableTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullableTimeArg(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableResult(value sql.NullString) *Result {
	if !value.Valid || value.String == "" {
		return nil
	}
	result := Result(value.String)
	return &result
}

func atLeastOne(value int) int {
	if value < 1 {
		return 1
	}
	return value
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilPermissions(values []Permission) []Permission {
	if values == nil {
		return []Permission{}
	}
	return values
}

func nonNilCriteria(values []RubricCriterion) []RubricCriterion {
	if values == nil {
		return []RubricCriterion{}
	}
	return values
}
