package github

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v57/github"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"

	"github.com/user/linearpr/pkg/logger"
)

// ErrNotInstalled is returned when no App installation can access a repository.
var ErrNotInstalled = errors.New("GitHub App is not installed on this repository")

// installation tokens live for an hour; refresh well before that.
const installationTokenTTL = 50 * time.Minute

// AppConfig configures a GitHub App client.
type AppConfig struct {
	AppID      int64
	PrivateKey string
	Slug       string
	BaseURL    string
}

// Installation is a GitHub App installation.
type Installation struct {
	ID                  int64     `json:"id"`
	AccountLogin        string    `json:"account"`
	AccountType         string    `json:"accountType"`
	RepositorySelection string    `json:"repositorySelection"`
	Events              []string  `json:"events"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// AppDetails describes the authenticated GitHub App.
type AppDetails struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// App authenticates as a GitHub App and mints installation tokens.
type App struct {
	appID   int64
	slug    string
	baseURL string
	client  *gh.Client
	tokens  *expirable.LRU[int64, string]
}

// NewApp creates a GitHub App client.
func NewApp(cfg AppConfig) (*App, error) {
	if cfg.AppID == 0 {
		return nil, fmt.Errorf("GitHub App id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(NormalizePrivateKey(cfg.PrivateKey)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
	}

	src := &appTokenSource{appID: cfg.AppID, key: key, now: time.Now}
	client := gh.NewClient(oauth2.NewClient(context.Background(), oauth2.ReuseTokenSource(nil, src)))
	if err := setBaseURL(client, cfg.BaseURL); err != nil {
		return nil, err
	}

	return &App{
		appID:   cfg.AppID,
		slug:    cfg.Slug,
		baseURL: cfg.BaseURL,
		client:  client,
		tokens:  expirable.NewLRU[int64, string](256, nil, installationTokenTTL),
	}, nil
}

// appTokenSource signs short-lived RS256 JWTs identifying the App.
type appTokenSource struct {
	appID int64
	key   *rsa.PrivateKey
	now   func() time.Time
}

func (s *appTokenSource) Token() (*oauth2.Token, error) {
	now := s.now()
	expiry := now.Add(9 * time.Minute)

	claims := jwt.RegisteredClaims{
		Issuer: strconv.FormatInt(s.appID, 10),
		// GitHub rejects tokens issued in the future; allow for clock drift.
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: expiry}, nil
}

var base64Like = regexp.MustCompile(`^[A-Za-z0-9+/=\r\n]+$`)

// NormalizePrivateKey turns a configured key into PEM. It accepts PEM with
// literal "\n" escapes and base64 encoded PEM.
func NormalizePrivateKey(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}

	isPEM := strings.Contains(value, "BEGIN") && strings.Contains(value, "END") && strings.Contains(value, "PRIVATE KEY")
	if !isPEM && base64Like.MatchString(value) {
		if decoded, err := base64.StdEncoding.DecodeString(strings.NewReplacer("\r", "", "\n", "").Replace(value)); err == nil {
			value = strings.TrimSpace(string(decoded))
		}
	}

	return strings.ReplaceAll(value, `\n`, "\n")
}

// Installations lists every installation of the App.
func (a *App) Installations(ctx context.Context) ([]Installation, error) {
	opts := &gh.ListOptions{PerPage: perPage}

	var out []Installation
	for page := 0; page < maxPages; page++ {
		batch, resp, err := a.client.Apps.ListInstallations(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list installations: %w", err)
		}
		for _, inst := range batch {
			out = append(out, Installation{
				ID:                  inst.GetID(),
				AccountLogin:        inst.GetAccount().GetLogin(),
				AccountType:         inst.GetAccount().GetType(),
				RepositorySelection: inst.GetRepositorySelection(),
				Events:              inst.Events,
				CreatedAt:           inst.GetCreatedAt().Time,
				UpdatedAt:           inst.GetUpdatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// InstallationToken returns an access token for an installation, minting a
// new one when the cached token is missing or stale.
func (a *App) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if token, ok := a.tokens.Get(installationID); ok {
		return token, nil
	}

	tok, _, err := a.client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create installation token: %w", err)
	}

	a.tokens.Add(installationID, tok.GetToken())
	logger.Debug().Int64("installation", installationID).Msg("Minted installation token")
	return tok.GetToken(), nil
}

// InstallationClient returns a REST client authenticated as an installation.
func (a *App) InstallationClient(ctx context.Context, installationID int64) (*Client, error) {
	token, err := a.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return NewClient(token, a.baseURL)
}

// RepositoryInstallation finds the installation that can access owner/repo.
// It returns nil without error when the App is not installed there.
func (a *App) RepositoryInstallation(ctx context.Context, owner, repo string) (*Installation, error) {
	installations, err := a.Installations(ctx)
	if err != nil {
		return nil, err
	}

	fullName := owner + "/" + repo
	for i := range installations {
		inst := &installations[i]
		if inst.RepositorySelection == "all" {
			if strings.EqualFold(inst.AccountLogin, owner) {
				return inst, nil
			}
			continue
		}

		repos, err := a.installationRepositories(ctx, inst.ID)
		if err != nil {
			logger.Warn().Err(err).Int64("installation", inst.ID).Msg("Failed to list installation repositories")
			continue
		}
		for _, r := range repos {
			if strings.EqualFold(r.FullName, fullName) {
				return inst, nil
			}
		}
	}
	return nil, nil
}

// ClientForRepo returns an installation client able to act on owner/repo.
func (a *App) ClientForRepo(ctx context.Context, owner, repo string) (*Client, error) {
	inst, err := a.RepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrNotInstalled
	}
	return a.InstallationClient(ctx, inst.ID)
}

// AccessibleRepositories lists the repositories reachable through every installation.
func (a *App) AccessibleRepositories(ctx context.Context) ([]RepoInfo, error) {
	installations, err := a.Installations(ctx)
	if err != nil {
		return nil, err
	}

	var all []RepoInfo
	for _, inst := range installations {
		repos, err := a.installationRepositories(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, repos...)
	}
	return all, nil
}

func (a *App) installationRepositories(ctx context.Context, installationID int64) ([]RepoInfo, error) {
	token, err := a.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}

	client := gh.NewClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	if err := setBaseURL(client, a.baseURL); err != nil {
		return nil, err
	}

	opts := &gh.ListOptions{PerPage: perPage}
	var out []RepoInfo
	for page := 0; page < maxPages; page++ {
		list, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list installation repositories: %w", err)
		}
		for _, r := range list.Repositories {
			out = append(out, *toRepoInfo(r))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// InstallURL returns the page where an admin installs the App.
func (a *App) InstallURL() string {
	if a.slug != "" {
		return fmt.Sprintf("https://github.com/settings/apps/%s/installations", a.slug)
	}
	return fmt.Sprintf("https://github.com/apps/%d", a.appID)
}

// Details returns information about the authenticated App.
func (a *App) Details(ctx context.Context) (*AppDetails, error) {
	app, _, err := a.client.Apps.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get app details: %w", err)
	}
	return &AppDetails{
		ID:   app.GetID(),
		Slug: app.GetSlug(),
		Name: app.GetName(),
		URL:  app.GetHTMLURL(),
	}, nil
}
