package store

import "time"

type StepType string

const (
	StepFeedback          StepType = "feedback"
	StepRubric            StepType = "rubric"
	StepPassFail          StepType = "pass_fail"
	StepVote              StepType = "vote"
	StepSignDocuments     StepType = "sign_documents"
	StepPrivateEvaluation StepType = "private_evaluation"
)

type Result string

const (
	ResultPass Result = "pass"
	ResultFail Result = "fail"
)

type GranteeKind string

const (
	GranteeRole      GranteeKind = "role"
	GranteeWorkspace GranteeKind = "workspace"
	GranteeUser      GranteeKind = "user"
)

type PermissionLevel string

const (
	LevelView    PermissionLevel = "view"
	LevelComment PermissionLevel = "comment"
	LevelEdit    PermissionLevel = "edit"
	LevelMove    PermissionLevel = "move"
)

// Lane separates primary reviews from reviews submitted after an appeal.
type Lane string

const (
	LanePrimary Lane = "primary"
	LaneAppeal  Lane = "appeal"
)

type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentCompleted DocumentStatus = "completed"
)

type PolicyName string

const (
	PolicyRequiredReviews  PolicyName = "required_reviews"
	PolicyAllReviewers     PolicyName = "all_reviewers"
	PolicyAverageThreshold PolicyName = "average_threshold"
)

type Permission struct {
	GranteeKind GranteeKind     `json:"granteeKind" yaml:"granteeKind"`
	GranteeID   string          `json:"granteeId" yaml:"granteeId"`
	Level       PermissionLevel `json:"level" yaml:"level"`
}

type RubricCriterion struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Min         int    `json:"min" yaml:"min"`
	Max         int    `json:"max" yaml:"max"`
}

type Aggregation struct {
	Policy    PolicyName `json:"policy" yaml:"policy"`
	Threshold float64    `json:"threshold,omitempty" yaml:"threshold"`
}

type WorkflowTemplate struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	Title       string         `json:"title"`
	SortIndex   int            `json:"sortIndex"`
	Aggregation Aggregation    `json:"aggregation"`
	Archived    bool           `json:"archived"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	Steps       []StepTemplate `json:"steps"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

type StepTemplate struct {
	ID                    string            `json:"id"`
	Title                 string            `json:"title"`
	Type                  StepType          `json:"type"`
	Permissions           []Permission      `json:"permissions"`
	Reviewers             []string          `json:"reviewers,omitempty"`
	RequiredReviews       int               `json:"requiredReviews,omitempty"`
	FinalStep             bool              `json:"finalStep,omitempty"`
	AppealReviewers       []string          `json:"appealReviewers,omitempty"`
	AppealRequiredReviews int               `json:"appealRequiredReviews,omitempty"`
	RubricCriteria        []RubricCriterion `json:"rubricCriteria,omitempty"`
}

type Proposal struct {
	ID                 string    `json:"id"`
	WorkspaceID        string    `json:"workspaceId"`
	Title              string    `json:"title"`
	Draft              bool      `json:"draft"`
	Archived           bool      `json:"archived"`
	Authors            []string  `json:"authors"`
	WorkflowTemplateID *string   `json:"workflowTemplateId"`
	Status             string    `json:"status"`
	CreatedBy          string    `json:"createdBy"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type ProposalFilter struct {
	WorkspaceID     string
	Status          string
	IDs             []string
	IncludeArchived bool
	Limit           int
}

// Evaluation is a proposal's mutable copy of one workflow step.
type Evaluation struct {
	ID              string            `json:"id"`
	ProposalID      string            `json:"proposalId"`
	Index           int               `json:"index"`
	TemplateStepID  string            `json:"templateStepId,omitempty"`
	Type            StepType          `json:"type"`
	Title           string            `json:"title"`
	Permissions     []Permission      `json:"permissions"`
	Reviewers       []string          `json:"reviewers"`
	RequiredReviews int               `json:"requiredReviews"`
	FinalStep       bool              `json:"finalStep"`
	Aggregation     Aggregation       `json:"aggregation"`
	Result          *Result           `json:"result"`
	CompletedAt     *time.Time        `json:"completedAt"`
	DeclinedAt      *time.Time        `json:"declinedAt,omitempty"`
	Criteria        []RubricCriterion `json:"criteria,omitempty"`
	Reviews         []Review          `json:"reviews,omitempty"`
	Answers         []RubricAnswer    `json:"answers,omitempty"`
	Documents       []DocumentToSign  `json:"documents,omitempty"`
	Appeal          Appeal            `json:"appeal"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

type Appeal struct {
	Enabled         bool       `json:"enabled"`
	Reviewers       []string   `json:"reviewers"`
	RequiredReviews int        `json:"requiredReviews"`
	AppealedAt      *time.Time `json:"appealedAt,omitempty"`
	AppealedBy      string     `json:"appealedBy,omitempty"`
	OriginalResult  *Result    `json:"originalResult,omitempty"`
}

type Review struct {
	ID             string    `json:"id"`
	EvaluationID   string    `json:"evaluationId"`
	Lane           Lane      `json:"lane"`
	ReviewerID     string    `json:"reviewerId"`
	GranteeID      string    `json:"granteeId"`
	Result         Result    `json:"result"`
	DeclineReasons []string  `json:"declineReasons,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

type RubricAnswer struct {
	ID           string    `json:"id"`
	EvaluationID string    `json:"evaluationId"`
	CriterionID  string    `json:"criterionId"`
	Lane         Lane      `json:"lane"`
	ReviewerID   string    `json:"reviewerId"`
	Score        int       `json:"score"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type DocumentToSign struct {
	ID           string         `json:"id"`
	EvaluationID string         `json:"evaluationId"`
	ExternalID   string         `json:"externalId"`
	Status       DocumentStatus `json:"status"`
	CompletedAt  *time.Time     `json:"completedAt"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// EvaluationOutcome is the derived-result portion of an evaluation row.
type EvaluationOutcome struct {
	Result      *Result
	CompletedAt *time.Time
	DeclinedAt  *time.Time
}

type TemplateRevision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReviewsFor returns the reviews submitted in the given lane.
func (e Evaluation) ReviewsFor(lane Lane) []Review {
	out := make([]Review, 0, len(e.Reviews))
	for _, review := range e.Reviews {
		if review.Lane == lane {
			out = append(out, review)
		}
	}
	return out
}

// AnswersFor returns the rubric answers submitted in the given lane.
func (e Evaluation) AnswersFor(lane Lane) []RubricAnswer {
	out := make([]RubricAnswer, 0, len(e.Answers))
	for _, answer := range e.Answers {
		if answer.Lane == lane {
			out = append(out, answer)
		}
	}
	return out
}
