package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/rescale/stagexfer/internal/cloud"
	"github.com/rescale/stagexfer/internal/cloud/providers"
	"github.com/rescale/stagexfer/internal/config"
	"github.com/rescale/stagexfer/internal/constants"
	"github.com/rescale/stagexfer/internal/models"
)

// stageFlags describe the stage a command talks to.
type stageFlags struct {
	location     string
	locationType string
	region       string
	endpoint     string
	account      string
	pathStyle    bool
}

func (f *stageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.location, "stage", "s", "", "Stage location: <bucket>/<prefix>, or a directory for LOCAL_FS (required)")
	cmd.Flags().StringVarP(&f.locationType, "type", "t", constants.LocationS3, "Stage type: S3, AZURE, GCS or LOCAL_FS")
	cmd.Flags().StringVar(&f.region, "region", "", "S3 region")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "Custom endpoint (S3-compatible store, Azurite, GCS emulator)")
	cmd.Flags().StringVar(&f.account, "account", "", "Azure storage account name")
	cmd.Flags().BoolVar(&f.pathStyle, "path-style", false, "Use S3 path-style addressing")
	_ = cmd.MarkFlagRequired("stage")
}

// stageCredentials are read from the environment only, never from flags.
type stageCredentials struct {
	AWSKeyID       string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey   string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	AWSToken       string `envconfig:"AWS_SESSION_TOKEN"`
	AzureSASToken  string `envconfig:"STAGEXFER_AZURE_SAS_TOKEN"`
	GCSAccessToken string `envconfig:"STAGEXFER_GCS_ACCESS_TOKEN"`
}

func (f *stageFlags) stageInfo() (*models.StageInfo, error) {
	var creds stageCredentials
	if err := envconfig.Process("", &creds); err != nil {
		return nil, fmt.Errorf("failed to read stage credentials: %w", err)
	}

	return &models.StageInfo{
		LocationType:   strings.ToUpper(f.locationType),
		Location:       f.location,
		Region:         f.region,
		Endpoint:       f.endpoint,
		StorageAccount: f.account,
		UsePathStyle:   f.pathStyle,
		Credentials: models.StageCredentials{
			AWSKeyID:       creds.AWSKeyID,
			AWSSecretKey:   creds.AWSSecretKey,
			AWSToken:       creds.AWSToken,
			AzureSASToken:  creds.AzureSASToken,
			GCSAccessToken: creds.GCSAccessToken,
		},
	}, nil
}

// newStorageClient builds the stage client from the loaded configuration.
func (f *stageFlags) newStorageClient(ctx context.Context) (*cloud.Client, error) {
	stage, err := f.stageInfo()
	if err != nil {
		return nil, err
	}
	cfg := GetTransferConfig()
	if proxy, err := config.ResolveProxy(cfg); err == nil && proxy.NeedsPassword() {
		GetLogger().Warn().Str("user", proxy.User).
			Msgf("proxy user set without a password; set %s_PROXY_PASSWORD", config.EnvPrefix)
	}
	factory, err := providers.NewFactory(cfg, GetLogger(), cmdMetrics)
	if err != nil {
		return nil, err
	}
	return factory.NewStorageClient(ctx, stage)
}

// materialFlags carry the stage master key. The key itself may also come from
// STAGEXFER_MASTER_KEY so it does not appear in the process list.
type materialFlags struct {
	masterKey string
	queryID   string
	smkID     int64
}

func (f *materialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.masterKey, "master-key", "", "Base64 stage master key (or "+config.EnvPrefix+"_MASTER_KEY); empty means unencrypted")
	cmd.Flags().StringVar(&f.queryID, "query-id", "", "Query id recorded in the material descriptor (default: random UUID)")
	cmd.Flags().Int64Var(&f.smkID, "smk-id", 0, "Stage master key id recorded in the material descriptor")
}

type materialEnv struct {
	MasterKey string `envconfig:"MASTER_KEY"`
}

// material returns nil when no master key was given.
func (f *materialFlags) material() (*models.EncryptionMaterial, error) {
	key := f.masterKey
	if key == "" {
		var env materialEnv
		if err := envconfig.Process(config.EnvPrefix, &env); err != nil {
			return nil, err
		}
		key = env.MasterKey
	}
	if key == "" {
		return nil, nil
	}

	queryID := f.queryID
	if queryID == "" {
		queryID = uuid.NewString()
	}
	return &models.EncryptionMaterial{
		QueryStageMasterKey: key,
		QueryID:             queryID,
		SMKID:               f.smkID,
	}, nil
}
