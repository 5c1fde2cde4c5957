package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kiln-dev/kiln/internal/deploy"
)

type deployFlags struct {
	bucket   string
	prefix   string
	region   string
	endpoint string
	dryRun   bool
	build    bool
}

func deployCmd(flags *globalFlags) *cobra.Command {
	var df deployFlags

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Upload the production build to a bucket",
		Long: `Upload the production build to an S3-compatible bucket.

Credentials come from the standard AWS chain: environment variables,
~/.aws/credentials and ~/.aws/config (AWS_PROFILE selects a profile),
SSO, or an instance role. Fingerprinted files are uploaded as immutable;
HTML pages and the manifest are revalidated on every request.

Examples:
  kiln deploy --bucket=my-site
  kiln deploy --build --prefix=v2
  kiln deploy --endpoint=http://localhost:9000 --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(flags, df)
		},
	}

	cmd.Flags().StringVar(&df.bucket, "bucket", "", "Bucket name (default from kiln.json)")
	cmd.Flags().StringVar(&df.prefix, "prefix", "", "Key prefix for uploaded objects")
	cmd.Flags().StringVar(&df.region, "region", "", "Bucket region")
	cmd.Flags().StringVar(&df.endpoint, "endpoint", "", "Custom S3 endpoint URL")
	cmd.Flags().BoolVar(&df.dryRun, "dry-run", false, "List the objects without uploading")
	cmd.Flags().BoolVar(&df.build, "build", false, "Run a production build first")

	return cmd
}

func runDeploy(flags *globalFlags, df deployFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if df.bucket != "" {
		cfg.Deploy.Bucket = df.bucket
	}
	if df.prefix != "" {
		cfg.Deploy.Prefix = df.prefix
	}
	if df.region != "" {
		cfg.Deploy.Region = df.region
	}
	if df.endpoint != "" {
		cfg.Deploy.Endpoint = df.endpoint
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if df.build {
		if _, err := buildProject(ctx, cfg, cfg.Build.SourceMaps); err != nil {
			return err
		}
	}

	if _, err := os.Stat(cfg.OutputPath()); err != nil {
		warn("No build found in %s", cfg.Build.Output)
		info("Run kiln build first, or pass --build")
		return err
	}

	client, err := deploy.NewClient(ctx, cfg.Deploy)
	if err != nil {
		return err
	}
	uploader := deploy.NewUploader(client, deploy.Options{
		Bucket:      cfg.Deploy.Bucket,
		Prefix:      cfg.Deploy.Prefix,
		Concurrency: cfg.Deploy.Concurrency,
		DryRun:      df.dryRun,
		OnUpload: func(obj deploy.Object) {
			info("%s", obj.Key)
		},
	})

	result, err := uploader.Upload(ctx, cfg.OutputPath())
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout)
	if df.dryRun {
		for _, obj := range result.Objects {
			info("%-50s %-32s %s", obj.Key, obj.ContentType, formatBytes(obj.Size))
		}
		success("Would upload %d objects (%s)", len(result.Objects), formatBytes(result.Bytes))
		return nil
	}
	success("Deployed %d objects (%s) to %s", len(result.Objects), formatBytes(result.Bytes), cfg.Deploy.Bucket)
	return nil
}
