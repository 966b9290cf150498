// Package mirror copies a single web page and every static resource it
// references into a self-contained local directory.
//
// Clone is the only entry point. Progress is reported through the
// logrus.FieldLogger given in Options; how those lines are displayed is up
// to the caller.
package mirror

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pagemirror/internal/store"
	"pagemirror/internal/urlx"
)

// Options tune a Clone call. The zero value uses DefaultConfig.
type Options struct {
	Config *Config
	// Depth is accepted for compatibility; only the entry page is mirrored.
	Depth int
	Log   logrus.FieldLogger
	// Fetcher overrides the HTTP fetcher built from Config.
	Fetcher store.Fetcher
}

// Result summarizes a run.
type Result struct {
	RunID     string
	Files     int   // resources saved, entry document included
	Bytes     int64 // bytes downloaded
	Failed    int   // resources that could not be fetched or saved
	EntryPath string
}

// Clone mirrors entryURL into outputRoot. Failures on individual resources
// are logged and leave the reference untouched; an error is returned only
// when the entry page cannot be fetched or processing of the document had to
// stop. In the latter case the partial Result is still valid.
func Clone(ctx context.Context, entryURL, outputRoot string, opts Options) (Result, error) {
	entry, err := ValidateEntryURL(entryURL)
	if err != nil {
		return Result{}, err
	}

	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	res := Result{RunID: uuid.NewString()}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	log = log.WithField("run", res.RunID)

	if opts.Depth > 0 {
		log.WithField("depth", opts.Depth).Info("crawl depth ignored, mirroring the entry page only")
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = store.NewHTTPFetcher(cfg.fetcherOptions())
	}
	st, err := store.New(outputRoot, fetcher, log)
	if err != nil {
		return res, err
	}

	canonical, err := urlx.Resolve(entry.String(), entry)
	if err != nil {
		return res, fmt.Errorf("%w: %q", ErrInvalidURL, entryURL)
	}
	base, _ := entry.Parse(canonical)

	log.WithFields(logrus.Fields{"url": canonical, "output": st.Root()}).Info("clone started")

	entryPath, err := st.GetEntry(ctx, canonical)
	if err != nil {
		summarize(st, &res)
		return res, fmt.Errorf("entry page: %w", err)
	}
	res.EntryPath = entryPath

	rec, _ := st.Record(canonical)
	rw := newRewriter(cfg, st, log)
	perr := rw.processPage(ctx, entryPath, base, rec.ContentType)

	summarize(st, &res)
	fields := logrus.Fields{"files": res.Files, "bytes": res.Bytes, "failed": res.Failed, "entry": res.EntryPath}
	if perr != nil {
		log.WithFields(fields).WithError(perr).Error("document processing stopped")
		return res, perr
	}
	log.WithFields(fields).Info("clone completed")
	return res, nil
}

func summarize(st *store.Store, res *Result) {
	res.Files, res.Bytes, res.Failed = 0, 0, 0
	for _, rec := range st.Records() {
		switch rec.State {
		case store.Saved:
			res.Files++
			res.Bytes += rec.Size
		case store.Failed:
			res.Failed++
		}
	}
}
