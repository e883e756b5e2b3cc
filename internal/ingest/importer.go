package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/model"
)

// Store is the subset of the store the importer writes through.
type Store interface {
	CheckSchema(ctx context.Context) error
	DeleteAllLeadData(ctx context.Context) (int, error)
	ExistingAddressKeys(ctx context.Context, source string) (map[string]struct{}, error)
	InsertLeadBundle(ctx context.Context, b *model.LeadBundle) error
}

// Options controls one import run.
type Options struct {
	Mode model.ImportMode
	// Confirm must equal model.ReplaceConfirmation in replace mode.
	Confirm    string
	Source     string
	MaxErrors  int
	OnProgress func(model.ImportProgress)
}

const (
	defaultSource    = "csv"
	defaultMaxErrors = 10
)

// Importer writes parsed rows to the store.
type Importer struct {
	store Store
	now   func() time.Time
}

// NewImporter creates an importer over s.
func NewImporter(s Store) *Importer {
	return &Importer{store: s, now: time.Now}
}

// Run materializes rows. Validation and setup failures (confirmation,
// schema check, replace delete, loading existing keys) abort before any
// row is written. Failures on a single row are counted and the run goes on.
func (im *Importer) Run(ctx context.Context, rows []Row, opts Options) (*model.ImportResult, error) {
	mode := opts.Mode
	if mode == "" {
		mode = model.ImportModeAppend
	}
	if _, err := model.ParseImportMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == model.ImportModeReplace && opts.Confirm != model.ReplaceConfirmation {
		return nil, model.Validationf("replace mode requires confirmation %q", model.ReplaceConfirmation)
	}
	source := opts.Source
	if source == "" {
		source = defaultSource
	}
	maxErrors := opts.MaxErrors
	if maxErrors <= 0 {
		maxErrors = defaultMaxErrors
	}

	if err := im.store.CheckSchema(ctx); err != nil {
		return nil, eris.Wrap(err, "ingest: schema check")
	}

	res := &model.ImportResult{Mode: mode}
	if mode == model.ImportModeReplace {
		deleted, err := im.store.DeleteAllLeadData(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: replace delete")
		}
		res.PropertiesDeleted = deleted
		zap.L().Info("ingest: deleted existing lead data", zap.Int("properties", deleted))
	}

	seen, err := im.store.ExistingAddressKeys(ctx, source)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: load existing addresses")
	}

	progress := model.ImportProgress{Total: len(rows)}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "ingest: import cancelled")
		}

		im.importRow(ctx, i+1, row, source, seen, res, maxErrors)

		progress.Current = i + 1
		progress.Properties = res.PropertiesImported
		progress.Contacts = res.ContactsCreated
		progress.Phones = res.PhonesCreated
		progress.Emails = res.EmailsCreated
		if opts.OnProgress != nil {
			opts.OnProgress(progress)
		}
	}

	zap.L().Info("ingest: import complete",
		zap.String("mode", string(mode)),
		zap.String("source", source),
		zap.Int("rows", len(rows)),
		zap.Int("imported", res.PropertiesImported),
		zap.Int("duplicates", res.DuplicatesSkipped),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

func (im *Importer) importRow(ctx context.Context, n int, row Row, source string, seen map[string]struct{}, res *model.ImportResult, maxErrors int) {
	key := AddressKey(row)
	if _, dup := seen[key]; dup && key != "" {
		res.DuplicatesSkipped++
		return
	}

	bundle, err := BuildBundle(row, source, im.now().UTC())
	if err == nil {
		err = im.store.InsertLeadBundle(ctx, bundle)
	}
	if err != nil {
		res.Errors++
		if len(res.ErrorMessages) < maxErrors {
			res.ErrorMessages = append(res.ErrorMessages, fmt.Sprintf("row %d: %s", n, err.Error()))
		}
		zap.L().Warn("ingest: row failed", zap.Int("row", n), zap.Error(err))
		return
	}

	seen[key] = struct{}{}
	contacts, callable, dnc, emails := bundle.Counts()
	res.PropertiesImported++
	res.ContactsCreated += contacts
	res.PhonesCreated += callable + dnc
	res.CallablePhones += callable
	res.DNCPhones += dnc
	res.EmailsCreated += emails
}
