// Command indexer drives the ingestion pipeline against the allowlisted
// repositories: index:docs --repo <slug> [--branch <name>] [--force],
// or --list to report each repository's current indexing state.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/light/lightopedia/internal/ai"
	"github.com/light/lightopedia/internal/config"
	"github.com/light/lightopedia/internal/fetcher"
	"github.com/light/lightopedia/internal/indexer"
	"github.com/light/lightopedia/internal/policy"
	"github.com/light/lightopedia/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("lightopedia-indexer", pflag.ExitOnError)
	repo := fs.String("repo", "", "repository to index (must be on the allowlist)")
	branch := fs.String("branch", "main", "branch or ref to index")
	force := fs.Bool("force", false, "re-embed every article even if its revision is already indexed")
	list := fs.Bool("list", false, "list allowlisted repositories and their indexing state, then exit")
	deleteRun := fs.String("delete-run", "", "delete every chunk written by the given index_run_id, then exit")

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	log.Logger = logger

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to store")
	}
	defer st.Close()

	clientConfig := &ai.ClientConfig{
		APIKey:       cfg.APIKey,
		EmbedModel:   cfg.EmbedModel,
		SummaryModel: cfg.SummaryModel,
		RouterModel:  cfg.RouterModel,
		RerankModel:  cfg.RerankModel,
		Dim:          cfg.Dim,
		ProjectID:    cfg.ProjectID,
		Location:     cfg.Location,
		Provider:     ai.Provider(strings.ToLower(cfg.Provider)),
	}
	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("building ai client")
	}
	if client.Dim() == 0 {
		log.Fatal().Msg("embedding dimension must be set")
	}

	if err := st.Migrate(ctx, client.Dim()); err != nil {
		log.Fatal().Err(err).Msg("running migrations")
	}

	if *list {
		runList(ctx, st)
		return
	}

	if *deleteRun != "" {
		n, err := st.DeleteByRun(ctx, *deleteRun)
		if err != nil {
			log.Fatal().Err(err).Str("run_id", *deleteRun).Msg("deleting chunks by run failed")
		}
		log.Info().Str("run_id", *deleteRun).Int("chunks_deleted", n).Msg("deleted chunks for run")
		return
	}

	if *repo == "" {
		fmt.Fprintln(os.Stderr, "--repo is required unless --list or --delete-run is given")
		fs.Usage()
		os.Exit(1)
	}
	if !policy.IsAllowedRepo(*repo) {
		log.Fatal().Str("repo", *repo).Strs("allowlist", policy.AllowedRepos()).Msg("repository is not on the allowlist")
	}

	fc := fetcher.New(cfg.GithubToken)
	ix := indexer.New(st, fc, client, cfg.RetrievalVersion)

	if err := ix.IndexRepo(ctx, *repo, *branch, *force); err != nil {
		log.Fatal().Err(err).Str("repo", *repo).Msg("indexing failed")
	}

	log.Info().Str("repo", *repo).Str("branch", *branch).Bool("force", *force).Msg("indexing complete")
}

func runList(ctx context.Context, st *store.Store) {
	summaries, err := st.ListIndexedRepos(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("listing indexed repositories")
	}
	indexed := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		indexed[s.Repository] = true
		fmt.Printf("%-28s articles=%-5d last_indexed=%s\n", s.Repository, s.ArticleCount, s.LastIndexedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	for _, r := range policy.AllowedRepos() {
		if !indexed[r] {
			fmt.Printf("%-28s articles=0     last_indexed=never\n", r)
		}
	}
}
