package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/klauspost/compress/zip"
	"golang.org/x/oauth2"

	devhttp "github.com/randalmurphal/logsift/http"
)

// runLogsArtifactID marks the synthetic artifact for the run's log archive.
const runLogsArtifactID = "run-logs"

// maxListPages bounds pagination over artifacts and jobs.
const maxListPages = 10

// GitHubProvider fetches GitHub Actions logs.
//
// The compressed channel serves uploaded artifacts whose name mentions
// "log", then the run's log archive (a zip with one entry per step). The raw
// channel serves the plain-text log of the failed job; when several jobs
// failed their logs are packed into a zip with one entry per job.
type GitHubProvider struct {
	client       *github.Client
	download     *devhttp.Client
	owner        string
	repo         string
	maxRedirects int
}

// NewGitHubProvider creates a GitHub provider.
// token is a personal access token or GitHub App token.
// owner and repo identify the repository.
func NewGitHubProvider(token, owner, repo string) (*GitHubProvider, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	return NewGitHubProviderWithClient(github.NewClient(tc), owner, repo, nil)
}

// NewGitHubProviderWithClient creates a provider from an existing go-github
// client. download fetches the pre-signed archive URLs; nil uses a default
// client without credentials.
func NewGitHubProviderWithClient(client *github.Client, owner, repo string, download *devhttp.Client) (*GitHubProvider, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	if download == nil {
		// Retries belong to the Retriever; a single attempt here.
		download = devhttp.NewClient(devhttp.ClientConfig{ServiceName: "github", MaxRetries: 1})
	}

	return &GitHubProvider{
		client:       client,
		download:     download,
		owner:        owner,
		repo:         repo,
		maxRedirects: 3,
	}, nil
}

// NewGitHubProviderFromRepo creates a provider from an "owner/repo" string.
func NewGitHubProviderFromRepo(token, fullName string) (*GitHubProvider, error) {
	owner, repo, ok := strings.Cut(strings.Trim(fullName, "/"), "/")
	if !ok || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("repository must be owner/repo, got %q", fullName)
	}
	return NewGitHubProvider(token, owner, repo)
}

// Name implements Provider.
func (p *GitHubProvider) Name() string {
	return "github"
}

// ListArtifacts implements Provider.
func (p *GitHubProvider) ListArtifacts(ctx context.Context, src Source) ([]ArtifactRef, error) {
	runID, err := parseID(src.RunID)
	if err != nil {
		return nil, err
	}

	it := devhttp.NewPageIterator(func(ctx context.Context, page int) ([]*github.Artifact, bool, error) {
		list, resp, err := p.client.Actions.ListWorkflowRunArtifacts(ctx, p.owner, p.repo, runID,
			&github.ListOptions{Page: page + 1, PerPage: 100})
		if err != nil {
			return nil, false, p.wrapErr("list artifacts", resp, err)
		}
		return list.Artifacts, resp.NextPage != 0, nil
	}, maxListPages)

	artifacts, err := it.All(ctx)
	if err != nil {
		return nil, err
	}

	var refs []ArtifactRef
	for _, a := range artifacts {
		if a.GetExpired() || !strings.Contains(strings.ToLower(a.GetName()), "log") {
			continue
		}
		refs = append(refs, ArtifactRef{
			ID:          strconv.FormatInt(a.GetID(), 10),
			Name:        a.GetName(),
			Size:        a.GetSizeInBytes(),
			ContentType: "application/zip",
		})
	}

	refs = append(refs, ArtifactRef{
		ID:          runLogsArtifactID,
		Name:        fmt.Sprintf("run-%d-logs.zip", runID),
		Size:        -1,
		ContentType: "application/zip",
	})
	return refs, nil
}

// OpenArtifact implements Provider.
func (p *GitHubProvider) OpenArtifact(ctx context.Context, src Source, ref ArtifactRef) (*Payload, error) {
	var (
		u    *url.URL
		resp *github.Response
		err  error
	)

	if ref.ID == runLogsArtifactID {
		runID, perr := parseID(src.RunID)
		if perr != nil {
			return nil, perr
		}
		u, resp, err = p.client.Actions.GetWorkflowRunLogs(ctx, p.owner, p.repo, runID, p.maxRedirects)
	} else {
		artifactID, perr := parseID(ref.ID)
		if perr != nil {
			return nil, perr
		}
		u, resp, err = p.client.Actions.DownloadArtifact(ctx, p.owner, p.repo, artifactID, p.maxRedirects)
	}
	if err != nil {
		return nil, p.wrapErr("locate artifact "+ref.Name, resp, err)
	}

	return p.open(ctx, u, "application/zip")
}

// OpenRawLog implements Provider.
func (p *GitHubProvider) OpenRawLog(ctx context.Context, src Source) (*Payload, error) {
	jobs, err := p.failedJobs(ctx, src)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 1 {
		return p.openJobLog(ctx, jobs[0].GetID())
	}

	return &Payload{
		ContentType: "application/zip",
		Size:        -1,
		Fill: func(ctx context.Context, w io.Writer) error {
			return p.packJobLogs(ctx, jobs, w)
		},
	}, nil
}

func (p *GitHubProvider) openJobLog(ctx context.Context, jobID int64) (*Payload, error) {
	u, resp, err := p.client.Actions.GetWorkflowJobLogs(ctx, p.owner, p.repo, jobID, p.maxRedirects)
	if err != nil {
		return nil, p.wrapErr(fmt.Sprintf("locate log of job %d", jobID), resp, err)
	}
	return p.open(ctx, u, "text/plain")
}

// packJobLogs writes the logs of jobs to w as a zip, one entry per job in
// run order.
func (p *GitHubProvider) packJobLogs(ctx context.Context, jobs []*github.WorkflowJob, w io.Writer) error {
	zw := zip.NewWriter(w)
	for i, job := range jobs {
		payload, err := p.openJobLog(ctx, job.GetID())
		if err != nil {
			return err
		}
		entry, err := zw.Create(jobEntryName(i, job))
		if err == nil {
			_, err = io.Copy(entry, payload.Body)
		}
		payload.Body.Close()
		if err != nil {
			return fmt.Errorf("pack log of job %d: %w", job.GetID(), err)
		}
	}
	return zw.Close()
}

// jobEntryName follows the run log archive's "<n>_<name>.txt" naming.
func jobEntryName(i int, job *github.WorkflowJob) string {
	name := job.GetName()
	if name == "" {
		name = strconv.FormatInt(job.GetID(), 10)
	}
	return fmt.Sprintf("%d_%s.txt", i+1, strings.ReplaceAll(name, "/", "_"))
}

// failedJobs returns the explicit job, or every failed job of the run.
func (p *GitHubProvider) failedJobs(ctx context.Context, src Source) ([]*github.WorkflowJob, error) {
	if src.JobID != "" {
		id, err := parseID(src.JobID)
		if err != nil {
			return nil, err
		}
		return []*github.WorkflowJob{{ID: github.Int64(id)}}, nil
	}

	runID, err := parseID(src.RunID)
	if err != nil {
		return nil, err
	}

	it := devhttp.NewPageIterator(func(ctx context.Context, page int) ([]*github.WorkflowJob, bool, error) {
		jobs, resp, err := p.client.Actions.ListWorkflowJobs(ctx, p.owner, p.repo, runID,
			&github.ListWorkflowJobsOptions{
				Filter:      "latest",
				ListOptions: github.ListOptions{Page: page + 1, PerPage: 100},
			})
		if err != nil {
			return nil, false, p.wrapErr("list jobs", resp, err)
		}
		return jobs.Jobs, resp.NextPage != 0, nil
	}, maxListPages)

	all, err := it.All(ctx)
	if err != nil {
		return nil, err
	}
	var failed []*github.WorkflowJob
	for _, j := range all {
		if j.GetConclusion() == "failure" {
			failed = append(failed, j)
		}
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("run %d has no failed job: %w", runID, devhttp.ErrNotFound)
	}
	return failed, nil
}

func (p *GitHubProvider) open(ctx context.Context, u *url.URL, fallbackType string) (*Payload, error) {
	if u == nil || u.String() == "" {
		return nil, fmt.Errorf("%w: empty download location", ErrMalformedResponse)
	}

	resp, err := p.download.Open(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = fallbackType
	}

	return &Payload{
		Body:        resp.Body,
		ContentType: contentType,
		Size:        resp.ContentLength,
	}, nil
}

// wrapErr maps go-github errors onto the shared sentinels so the retriever
// can classify them.
func (p *GitHubProvider) wrapErr(op string, resp *github.Response, err error) error {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return fmt.Errorf("%s: %w", op, &devhttp.RateLimitError{
			Service:    "github",
			RetryAfter: time.Until(rle.Rate.Reset.Time),
			Limit:      rle.Rate.Limit,
			Remaining:  rle.Rate.Remaining,
		})
	}

	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		rl := &devhttp.RateLimitError{Service: "github"}
		if arle.RetryAfter != nil {
			rl.RetryAfter = *arle.RetryAfter
		}
		return fmt.Errorf("%s: %w", op, rl)
	}

	if resp != nil && resp.Response != nil && resp.StatusCode >= 400 {
		apiErr := devhttp.NewAPIError("github", resp.StatusCode, op, err.Error())
		apiErr.RequestID = resp.Header.Get("X-GitHub-Request-Id")
		return apiErr
	}

	return fmt.Errorf("%s: %w", op, err)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a numeric id", ErrInvalidSource, s)
	}
	return id, nil
}
