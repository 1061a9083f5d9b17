// Package tools is the boundary between the engine and everything
// external: source control, the hosting platform, CI, and health
// signals. Capabilities are a closed enumeration of tool identifiers
// resolved through a registry at startup, and every call goes through
// the Invoker, which times it, bounds it, classifies its failure, and
// records the outcome.
package tools

import "context"

// Category groups functionally related capabilities. Reliability is
// tracked per category as well as globally.
type Category string

const (
	CategorySourceControl Category = "source-control"
	CategoryHosting       Category = "hosting"
	CategoryCI            Category = "ci"
	CategoryHealthSignal  Category = "health-signal"
)

// ToolID names one concrete adapter. The set is closed: registering
// an id outside it is a construction-time error, so there is no
// runtime string lookup to fat-finger.
type ToolID string

const (
	// ToolGitGo drives the repository through the embedded git
	// implementation.
	ToolGitGo ToolID = "git-go"
	// ToolGitCLI shells out to the git binary. Functionally
	// equivalent to ToolGitGo; the ledger ranking decides which one
	// the orchestrator reaches for.
	ToolGitCLI ToolID = "git-cli"
	// ToolGitHubAPI is the hosting-platform adapter (PRs, merges).
	ToolGitHubAPI ToolID = "github-api"
	// ToolGitHubChecks reads combined CI status for a ref.
	ToolGitHubChecks ToolID = "github-checks"
	// ToolGitHubIssues lists labeled open issues as health signals.
	ToolGitHubIssues ToolID = "github-issues"
	// ToolGitleaks scans the working tree for leaked secrets.
	ToolGitleaks ToolID = "gitleaks"
	// ToolCIHistory reports recently failing CI workflows.
	ToolCIHistory ToolID = "ci-history"
)

// knownTools fixes each identifier to its category.
var knownTools = map[ToolID]Category{
	ToolGitGo:        CategorySourceControl,
	ToolGitCLI:       CategorySourceControl,
	ToolGitHubAPI:    CategoryHosting,
	ToolGitHubChecks: CategoryCI,
	ToolGitHubIssues: CategoryHealthSignal,
	ToolGitleaks:     CategoryHealthSignal,
	ToolCIHistory:    CategoryHealthSignal,
}

// Op names one operation of the uniform invoke contract.
type Op string

const (
	OpCreateBranch       Op = "create_branch"
	OpCommitAndPush      Op = "commit_and_push"
	OpOpenPR             Op = "open_pr"
	OpCheckPRStatus      Op = "check_pr_status"
	OpRequestMerge       Op = "request_merge"
	OpCheckCIStatus      Op = "check_ci_status"
	OpListIssues         Op = "list_issues"
	OpListLintViolations Op = "list_lint_violations"
	OpRecentCIFailures   Op = "recent_ci_failures"
)

// opCategories fixes which category serves each operation.
var opCategories = map[Op]Category{
	OpCreateBranch:       CategorySourceControl,
	OpCommitAndPush:      CategorySourceControl,
	OpOpenPR:             CategoryHosting,
	OpCheckPRStatus:      CategoryHosting,
	OpRequestMerge:       CategoryHosting,
	OpCheckCIStatus:      CategoryCI,
	OpListIssues:         CategoryHealthSignal,
	OpListLintViolations: CategoryHealthSignal,
	OpRecentCIFailures:   CategoryHealthSignal,
}

// PRStatus is the hosting platform's view of a pull request.
type PRStatus string

const (
	PROpen   PRStatus = "OPEN"
	PRMerged PRStatus = "MERGED"
	PRClosed PRStatus = "CLOSED"
)

// CIStatus is the combined CI verdict for a ref.
type CIStatus string

const (
	CIPending CIStatus = "PENDING"
	CISuccess CIStatus = "SUCCESS"
	CIFailure CIStatus = "FAILURE"
)

// SignalKind tags a health signal with its origin.
type SignalKind string

const (
	SignalIssue     SignalKind = "issue"
	SignalLint      SignalKind = "lint"
	SignalCIFailure SignalKind = "ci-failure"
)

// Signal is one external observation the health scanner may turn into
// a goal. ID is stable for the underlying thing (issue number, rule
// and path, workflow name), which is what makes rescans idempotent.
type Signal struct {
	Kind   SignalKind `json:"kind"`
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Labels []string   `json:"labels,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// SourceControl mutates the local repository and its remote.
type SourceControl interface {
	CreateBranch(ctx context.Context, name string) error
	CommitAndPush(ctx context.Context, branch, message string, paths []string) error
}

// Hosting drives pull requests on the hosting platform.
type Hosting interface {
	OpenPR(ctx context.Context, branch, title, body string) (int64, error)
	CheckPRStatus(ctx context.Context, prID int64) (PRStatus, error)
	RequestMerge(ctx context.Context, prID int64) error
}

// CI reads the CI verdict for a ref. Pure read, safe to repeat.
type CI interface {
	CheckCIStatus(ctx context.Context, ref string) (CIStatus, error)
}

// IssueSource lists labeled open issues.
type IssueSource interface {
	ListIssues(ctx context.Context, labels []string) ([]Signal, error)
}

// LintSource reports current lint violations.
type LintSource interface {
	ListLintViolations(ctx context.Context) ([]Signal, error)
}

// CIFailureSource reports recently failing workflows.
type CIFailureSource interface {
	RecentCIFailures(ctx context.Context) ([]Signal, error)
}

// Args carries the parameters of one invocation; each op reads only
// the fields it needs. GoalID and Helpfulness feed the audit trail
// and the reliability ledger rather than the tool itself.
type Args struct {
	GoalID      string
	Name        string
	Branch      string
	Message     string
	Paths       []string
	Title       string
	Body        string
	PR          int64
	Ref         string
	Labels      []string
	Helpfulness *float64
}

// Result is the typed payload of a successful invocation; only the
// fields the op produces are set.
type Result struct {
	PR       int64
	PRState  PRStatus
	CI       CIStatus
	Signals  []Signal
	Duration int64 // milliseconds, filled for every call
}
