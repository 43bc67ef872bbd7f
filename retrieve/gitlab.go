package retrieve

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/xanzy/go-gitlab"

	devhttp "github.com/randalmurphal/logsift/http"
)

// GitLabProvider fetches GitLab CI job logs. Source.RunID is a job ID, since
// GitLab keeps artifacts and traces per job.
//
// go-gitlab delivers response bodies only into a writer, so artifact and trace
// payloads use Payload.Fill and the retriever streams them into scratch.
type GitLabProvider struct {
	client    *gitlab.Client
	projectID string // Can be numeric ID or "namespace/project"
}

// NewGitLabProvider creates a new GitLab provider.
// token is a personal access token.
// baseURL is the GitLab instance URL (empty for gitlab.com).
// projectID can be numeric ID or "namespace/project" path.
func NewGitLabProvider(token, baseURL, projectID string) (*GitLabProvider, error) {
	if token == "" {
		return nil, fmt.Errorf("GitLab token is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	// Retries belong to the Retriever.
	opts := []gitlab.ClientOptionFunc{gitlab.WithoutRetries()}
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(baseURL))
	}

	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &GitLabProvider{
		client:    client,
		projectID: projectID,
	}, nil
}

// Name implements Provider.
func (p *GitLabProvider) Name() string {
	return "gitlab"
}

// ListArtifacts implements Provider.
func (p *GitLabProvider) ListArtifacts(ctx context.Context, src Source) ([]ArtifactRef, error) {
	jobID, err := p.jobID(src)
	if err != nil {
		return nil, err
	}

	job, resp, err := p.client.Jobs.GetJob(p.projectID, jobID, gitlab.WithContext(ctx))
	if err != nil {
		return nil, p.wrapErr("get job", resp, err)
	}

	var refs []ArtifactRef
	for _, a := range job.Artifacts {
		if a.FileType != "archive" {
			continue
		}
		refs = append(refs, ArtifactRef{
			ID:          "archive",
			Name:        a.Filename,
			Size:        int64(a.Size),
			ContentType: "application/zip",
		})
	}
	return refs, nil
}

// OpenArtifact implements Provider.
func (p *GitLabProvider) OpenArtifact(_ context.Context, src Source, ref ArtifactRef) (*Payload, error) {
	jobID, err := p.jobID(src)
	if err != nil {
		return nil, err
	}

	size := ref.Size
	if size <= 0 {
		size = -1
	}
	return &Payload{
		ContentType: "application/zip",
		Size:        size,
		Fill:        p.download("download artifacts "+ref.Name, jobID, "artifacts"),
	}, nil
}

// OpenRawLog implements Provider.
func (p *GitLabProvider) OpenRawLog(_ context.Context, src Source) (*Payload, error) {
	jobID, err := p.jobID(src)
	if err != nil {
		return nil, err
	}

	return &Payload{
		ContentType: "text/plain",
		Size:        -1,
		Fill:        p.download("get trace", jobID, "trace"),
	}, nil
}

// download returns a Fill that copies a job endpoint's body into w as it
// arrives.
func (p *GitLabProvider) download(op string, jobID int, endpoint string) func(context.Context, io.Writer) error {
	path := fmt.Sprintf("projects/%s/jobs/%d/%s", gitlab.PathEscape(p.projectID), jobID, endpoint)
	return func(ctx context.Context, w io.Writer) error {
		req, err := p.client.NewRequest(http.MethodGet, path, nil, []gitlab.RequestOptionFunc{gitlab.WithContext(ctx)})
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		resp, err := p.client.Do(req, w)
		if err != nil {
			return p.wrapErr(op, resp, err)
		}
		return nil
	}
}

// jobID prefers an explicit JobID and falls back to RunID.
func (p *GitLabProvider) jobID(src Source) (int, error) {
	raw := src.JobID
	if raw == "" {
		raw = src.RunID
	}
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a numeric job id", ErrInvalidSource, raw)
	}
	return id, nil
}

func (p *GitLabProvider) wrapErr(op string, resp *gitlab.Response, err error) error {
	if resp != nil && resp.Response != nil && resp.StatusCode >= 400 {
		apiErr := devhttp.NewAPIError("gitlab", resp.StatusCode, op, err.Error())
		apiErr.RequestID = resp.Header.Get("X-Request-Id")
		return apiErr
	}
	return fmt.Errorf("%s: %w", op, err)
}
