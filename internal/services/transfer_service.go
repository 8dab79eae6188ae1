package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/rescale/stagexfer/internal/cloud"
	"github.com/rescale/stagexfer/internal/cloud/envelope"
	"github.com/rescale/stagexfer/internal/cloud/storage"
	"github.com/rescale/stagexfer/internal/constants"
	encryption "github.com/rescale/stagexfer/internal/crypto"
	"github.com/rescale/stagexfer/internal/diskspace"
	"github.com/rescale/stagexfer/internal/logging"
	"github.com/rescale/stagexfer/internal/models"
	"github.com/rescale/stagexfer/internal/progress"
	"github.com/rescale/stagexfer/internal/validation"
)

// TransferService runs PUT and GET commands against one stage.
// Files are transferred one after another; parallelism happens inside the
// storage client, across the parts of each file.
type TransferService struct {
	client   cloud.StorageClient
	material *models.EncryptionMaterial
	retries  int
	ui       progress.ProgressUI
	logger   *logging.Logger
}

// TransferServiceConfig configures the TransferService.
type TransferServiceConfig struct {
	// Material is the stage master key. nil means the stage is unencrypted.
	Material *models.EncryptionMaterial

	// MaxFileRetries is the number of extra attempts for a Failed file.
	// Negative values disable retries. Defaults to constants.DefaultFileRetries.
	MaxFileRetries *int

	Progress progress.ProgressUI
	Logger   *logging.Logger
}

// NewTransferService creates a new TransferService.
func NewTransferService(client cloud.StorageClient, config TransferServiceConfig) *TransferService {
	retries := constants.DefaultFileRetries
	if config.MaxFileRetries != nil {
		retries = max(*config.MaxFileRetries, 0)
	}
	ui := config.Progress
	if ui == nil {
		ui = progress.NoOpUI{}
	}
	return &TransferService{
		client:   client,
		material: config.Material,
		retries:  retries,
		ui:       ui,
		logger:   logging.OrNop(config.Logger).With("transfer-service"),
	}
}

// PutOptions controls an upload command.
type PutOptions struct {
	// Prefix is prepended to each file's base name to form the remote name
	Prefix string
	// Overwrite replaces existing remote objects instead of skipping them
	Overwrite bool
}

// Put uploads each local file under Prefix+basename and returns one result per path.
func (ts *TransferService) Put(ctx context.Context, paths []string, opts PutOptions) []FileResult {
	results := make([]FileResult, 0, len(paths))
	for i, p := range paths {
		r := ts.putFile(ctx, i+1, p, opts)
		results = append(results, r)
	}
	ts.ui.Wait()
	return results
}

func (ts *TransferService) putFile(ctx context.Context, index int, localPath string, opts PutOptions) FileResult {
	result := FileResult{
		Type:   TransferTypeUpload,
		Source: localPath,
		Dest:   path.Join(opts.Prefix, filepath.Base(localPath)),
	}

	info, err := os.Stat(localPath)
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", localPath)
	}
	if err != nil {
		return ts.finishWithoutBar(result, err)
	}
	result.Size = info.Size()

	digest, err := fileDigest(localPath)
	if err != nil {
		return ts.finishWithoutBar(result, err)
	}

	bar := ts.ui.AddFileBar(index, string(TransferTypeUpload), localPath, result.Dest, result.Size)
	meta := &models.FileMetadata{
		SrcFileName:  localPath,
		DestFileName: result.Dest,
		SrcFileSize:  result.Size,
		Overwrite:    opts.Overwrite,
		SHA256Digest: digest,
	}

	result.Outcome, result.Attempts, result.Err = ts.withRetries(ctx, bar, func() (models.Outcome, error) {
		return ts.uploadOnce(ctx, meta, bar)
	})
	ts.logResult(result)
	bar.Complete(result.Err, result.Outcome == models.SkippedAlreadyExists)
	return result
}

// uploadOnce prepares a fresh envelope and streams the file once.
func (ts *TransferService) uploadOnce(ctx context.Context, meta *models.FileMetadata, bar progress.FileBarHandle) (models.Outcome, error) {
	if ts.material != nil {
		if err := envelope.UpdateEncryptionMetadata(meta, ts.material); err != nil {
			return meta.Record(models.Failed, err)
		}
		defer meta.EncryptionMetadata.Zero()
	}

	f, err := os.Open(meta.SrcFileName)
	if err != nil {
		return meta.Record(models.Failed, err)
	}
	defer f.Close()

	return ts.client.Upload(ctx, meta, progress.NewProgressReader(f, bar))
}

// GetOptions controls a download command.
type GetOptions struct {
	// DestDir receives the files, named by the base of the remote name.
	// Empty means the working directory.
	DestDir string
	// Overwrite replaces existing local files instead of skipping them
	Overwrite bool
}

// Get downloads each remote name into DestDir and returns one result per name.
func (ts *TransferService) Get(ctx context.Context, names []string, opts GetOptions) []FileResult {
	results := make([]FileResult, 0, len(names))
	for i, name := range names {
		results = append(results, ts.getFile(ctx, i+1, name, opts))
	}
	ts.ui.Wait()
	return results
}

func (ts *TransferService) getFile(ctx context.Context, index int, name string, opts GetOptions) FileResult {
	if opts.DestDir == "" {
		opts.DestDir = "."
	}
	result := FileResult{
		Type:   TransferTypeDownload,
		Source: name,
	}
	base := path.Base(name)
	if err := validation.ValidateFilename(base); err != nil {
		return ts.finishWithoutBar(result, fmt.Errorf("remote name %q: %w", name, err))
	}
	result.Dest = filepath.Join(opts.DestDir, base)
	if err := validation.ValidatePathInDirectory(base, opts.DestDir); err != nil {
		return ts.finishWithoutBar(result, err)
	}

	if !opts.Overwrite {
		if _, err := os.Stat(result.Dest); err == nil {
			result.Outcome = models.SkippedAlreadyExists
			ts.logResult(result)
			return result
		}
	}

	meta := &models.FileMetadata{DestFileName: result.Dest, Overwrite: opts.Overwrite}
	if err := ts.client.GetRemoteFileMetadata(ctx, name, meta); err != nil {
		return ts.finishWithoutBar(result, err)
	}
	result.Size = meta.SrcFileSize

	if err := os.MkdirAll(opts.DestDir, 0755); err != nil {
		return ts.finishWithoutBar(result, err)
	}
	if err := diskspace.CheckAvailableSpace(result.Dest, result.Size, diskspace.DefaultMargin); err != nil {
		return ts.finishWithoutBar(result, err)
	}

	if meta.Encrypted {
		if err := envelope.DecryptFileKey(meta, ts.material); err != nil {
			return ts.finishWithoutBar(result, err)
		}
		defer meta.EncryptionMetadata.Zero()
	}

	bar := ts.ui.AddFileBar(index, string(TransferTypeDownload), result.Dest, name, result.Size)
	result.Outcome, result.Attempts, result.Err = ts.withRetries(ctx, bar, func() (models.Outcome, error) {
		return ts.downloadOnce(ctx, meta, bar)
	})
	ts.logResult(result)
	bar.Complete(result.Err, false)
	return result
}

// downloadOnce fetches the object into a temporary file next to the
// destination and renames it into place once the content checks out.
func (ts *TransferService) downloadOnce(ctx context.Context, meta *models.FileMetadata, bar progress.FileBarHandle) (models.Outcome, error) {
	tmp, err := os.CreateTemp(filepath.Dir(meta.DestFileName), ".stagexfer-*.part")
	if err != nil {
		return meta.Record(models.Failed, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	var dst io.Writer = tmp
	var dw *encryption.DecryptWriter
	if meta.Encrypted {
		em := &meta.EncryptionMetadata
		dw, err = encryption.NewDecryptWriter(tmp, &em.FileKey, em.IV)
		if err != nil {
			return meta.Record(models.Failed, fmt.Errorf("%w: %w", storage.ErrKeyMaterial, err))
		}
		dst = dw
	}

	outcome, err := ts.client.Download(ctx, meta, progress.NewProgressWriter(dst, bar))
	if outcome != models.Success {
		return outcome, err
	}

	if dw != nil {
		if err := dw.Close(); err != nil {
			return meta.Record(models.Failed, fmt.Errorf("%w: %w", storage.ErrDecryptionFailed, err))
		}
	}
	if meta.SHA256Digest != "" {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return meta.Record(models.Failed, err)
		}
		digest, err := encryption.DigestSHA256(tmp)
		if err != nil {
			return meta.Record(models.Failed, err)
		}
		if digest != meta.SHA256Digest {
			return meta.Record(models.Failed, fmt.Errorf("%w: sha256 digest mismatch for %s", storage.ErrDecryptionFailed, meta.SrcFileName))
		}
	}

	if err := tmp.Close(); err != nil {
		return meta.Record(models.Failed, err)
	}
	if err := os.Rename(tmpName, meta.DestFileName); err != nil {
		return meta.Record(models.Failed, err)
	}
	committed = true
	return meta.Record(models.Success, nil)
}

// Stat returns the stored size and envelope of a remote object.
func (ts *TransferService) Stat(ctx context.Context, name string) (*models.FileMetadata, error) {
	meta := &models.FileMetadata{}
	if err := ts.client.GetRemoteFileMetadata(ctx, name, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// withRetries runs attempt until it does not fail, the error is not worth
// retrying, or the retry budget is spent.
func (ts *TransferService) withRetries(ctx context.Context, bar progress.FileBarHandle, attempt func() (models.Outcome, error)) (models.Outcome, int, error) {
	var (
		outcome models.Outcome
		err     error
	)
	for n := 1; ; n++ {
		outcome, err = attempt()
		if outcome != models.Failed {
			return outcome, n, nil
		}
		if n > ts.retries || ctx.Err() != nil || !storage.IsRetryableFile(err) {
			return outcome, n, err
		}
		ts.logger.Warn().Err(err).Int("attempt", n).Msg("file transfer failed, retrying")
		bar.SetRetry(n)
	}
}

func (ts *TransferService) finishWithoutBar(result FileResult, err error) FileResult {
	result.Outcome = models.Failed
	result.Err = err
	result.Attempts = 1
	ts.logResult(result)
	_, _ = fmt.Fprintf(ts.ui.Writer(), "✗ %s: %v\n", result.Source, err)
	return result
}

func (ts *TransferService) logResult(r FileResult) {
	event := ts.logger.Info()
	if r.Outcome == models.Failed {
		event = ts.logger.Error().Err(r.Err)
	}
	event.
		Str("op", string(r.Type)).
		Str("src", r.Source).
		Str("dest", r.Dest).
		Int64("size", r.Size).
		Int("attempts", r.Attempts).
		Str("outcome", r.Outcome.String()).
		Msg("file finished")
}

func fileDigest(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return encryption.DigestSHA256(f)
}
