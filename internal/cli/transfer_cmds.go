package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rescale/stagexfer/internal/models"
	"github.com/rescale/stagexfer/internal/progress"
	"github.com/rescale/stagexfer/internal/services"
)

func newPutCmd() *cobra.Command {
	var (
		stage     stageFlags
		material  materialFlags
		prefix    string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "put <file>...",
		Short: "Upload local files to a stage",
		Long: `Upload one or more local files to a stage.

Each file is stored as <prefix>/<basename>. Existing remote objects are
skipped unless --overwrite is given. With a master key the content is
encrypted client-side and the wrapped file key is stored as object metadata.

Examples:
  stagexfer put results/*.csv --stage my-bucket/run-42 --master-key $KEY
  stagexfer put model.bin --type LOCAL_FS --stage /mnt/stage`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			mat, err := material.material()
			if err != nil {
				return err
			}

			client, err := stage.newStorageClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			svc := services.NewTransferService(client, transferServiceConfig(args, mat))
			results := svc.Put(ctx, args, services.PutOptions{Prefix: prefix, Overwrite: overwrite})
			return report(cmd.OutOrStdout(), "uploaded", results)
		},
	}

	stage.register(cmd)
	material.register(cmd)
	cmd.Flags().StringVar(&prefix, "prefix", "", "Remote name prefix inside the stage location")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing remote objects")
	return cmd
}

func newGetCmd() *cobra.Command {
	var (
		stage     stageFlags
		material  materialFlags
		destDir   string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "get <name>...",
		Short: "Download files from a stage",
		Long: `Download one or more objects from a stage into a local directory.

Encrypted objects are decrypted with the stage master key; the master key id
recorded with the object must match --smk-id. Existing local files are
skipped unless --overwrite is given.

Examples:
  stagexfer get run-42/a.csv run-42/b.csv --stage my-bucket --dest ./out --master-key $KEY`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			mat, err := material.material()
			if err != nil {
				return err
			}

			client, err := stage.newStorageClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			svc := services.NewTransferService(client, transferServiceConfig(args, mat))
			results := svc.Get(ctx, args, services.GetOptions{DestDir: destDir, Overwrite: overwrite})
			return report(cmd.OutOrStdout(), "downloaded", results)
		},
	}

	stage.register(cmd)
	material.register(cmd)
	cmd.Flags().StringVarP(&destDir, "dest", "d", ".", "Destination directory")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing local files")
	return cmd
}

func newStatCmd() *cobra.Command {
	var stage stageFlags

	cmd := &cobra.Command{
		Use:   "stat <name>",
		Short: "Show the stored size and encryption envelope of a remote object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			client, err := stage.newStorageClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			svc := services.NewTransferService(client, services.TransferServiceConfig{Logger: GetLogger()})
			meta, err := svc.Stat(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", meta.SrcFileName)
			fmt.Fprintf(out, "Size:       %d\n", meta.SrcFileSize)
			fmt.Fprintf(out, "Encrypted:  %t\n", meta.Encrypted)
			if meta.Encrypted {
				fmt.Fprintf(out, "MatDesc:    %s\n", meta.EncryptionMetadata.MatDesc)
			}
			if meta.SHA256Digest != "" {
				fmt.Fprintf(out, "SHA-256:    %s\n", meta.SHA256Digest)
			}
			return nil
		},
	}

	stage.register(cmd)
	return cmd
}

func transferServiceConfig(args []string, mat *models.EncryptionMaterial) services.TransferServiceConfig {
	retries := GetTransferConfig().MaxFileRetries
	return services.TransferServiceConfig{
		Material:       mat,
		MaxFileRetries: &retries,
		Progress:       progress.New(len(args), quiet),
		Logger:         GetLogger(),
	}
}

// report prints the summary line and fails the command when any file failed.
func report(out io.Writer, verb string, results []services.FileResult) error {
	s := services.Summarize(results)
	fmt.Fprintf(out, "%d %s, %d skipped, %d failed (%.1f MiB)\n",
		s.Succeeded, verb, s.Skipped, s.Failed, float64(s.Bytes)/(1024*1024))
	if s.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", s.Failed, len(results))
	}
	return nil
}
