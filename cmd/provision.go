package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lgm-ops/movesync/internal/crm"
	"github.com/lgm-ops/movesync/internal/db"
	"github.com/lgm-ops/movesync/internal/ingest"
)

// provisionFile is the YAML shape of a provisioning file.
type provisionFile struct {
	Client struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"client"`
	Integrations []struct {
		Name               string         `yaml:"name"`
		APISource          string         `yaml:"api_source"`
		APIBaseURL         string         `yaml:"api_base_url"`
		APIKey             string         `yaml:"api_key"`
		APIClientID        string         `yaml:"api_client_id"`
		IsActive           *bool          `yaml:"is_active"`
		SyncFrequencyHours int            `yaml:"sync_frequency_hours"`
		Settings           map[string]any `yaml:"settings"`
	} `yaml:"integrations"`
}

var provisionPath string

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the client, system user and integrations from YAML",
	Long: `Creates or refreshes the client row, the well-known system user and
the integration rows described by a provisioning file. Existing
integrations are matched on (client_id, api_source) and updated in
place; credentials in the file always win.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "provision"))

		raw, err := os.ReadFile(provisionPath)
		if err != nil {
			return eris.Wrapf(err, "provision: read %s", provisionPath)
		}

		var file provisionFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return eris.Wrapf(err, "provision: parse %s", provisionPath)
		}
		if file.Client.Name == "" {
			return eris.New("provision: client.name is required")
		}

		pool, err := dbPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		clientID, err := upsertClient(cmd, pool, file.Client.ID, file.Client.Name)
		if err != nil {
			return err
		}

		sysUser, err := ensureSystemUser(cmd, pool, clientID)
		if err != nil {
			return err
		}
		log.Info("system user ready", zap.String("user_id", sysUser))

		repo := ingest.NewIntegrations(pool)
		for _, spec := range file.Integrations {
			if spec.APISource == "" {
				return eris.Errorf("provision: integration %q has no api_source", spec.Name)
			}

			existing, err := repo.GetBySource(ctx, clientID, spec.APISource)
			if err != nil {
				return err
			}

			if existing == nil {
				active := spec.IsActive == nil || *spec.IsActive
				in := &crm.Integration{
					ClientID:           clientID,
					Name:               spec.Name,
					APISource:          spec.APISource,
					APIBaseURL:         spec.APIBaseURL,
					APIKey:             spec.APIKey,
					APIClientID:        spec.APIClientID,
					IsActive:           active,
					SyncFrequencyHours: spec.SyncFrequencyHours,
					Settings:           spec.Settings,
				}
				if err := repo.Create(ctx, in); err != nil {
					return err
				}
				log.Info("integration created",
					zap.String("integration_id", in.ID),
					zap.String("api_source", spec.APISource),
				)
				continue
			}

			patch := ingest.IntegrationPatch{Settings: spec.Settings}
			if spec.Name != "" {
				patch.Name = &spec.Name
			}
			if spec.APIBaseURL != "" {
				patch.APIBaseURL = &spec.APIBaseURL
			}
			if spec.APIKey != "" {
				patch.APIKey = &spec.APIKey
			}
			if spec.APIClientID != "" {
				patch.APIClientID = &spec.APIClientID
			}
			if spec.IsActive != nil {
				patch.IsActive = spec.IsActive
			}
			if spec.SyncFrequencyHours > 0 {
				patch.SyncFrequencyHours = &spec.SyncFrequencyHours
			}
			if _, err := repo.Update(ctx, existing.ID, patch); err != nil {
				return err
			}
			log.Info("integration updated",
				zap.String("integration_id", existing.ID),
				zap.String("api_source", spec.APISource),
			)
		}

		fmt.Println("Provisioning complete")
		return nil
	},
}

func init() {
	provisionCmd.Flags().StringVar(&provisionPath, "file", "integrations.yaml", "provisioning file")
	rootCmd.AddCommand(provisionCmd)
}

// upsertClient creates the client row or refreshes its name.
func upsertClient(cmd *cobra.Command, pool db.Pool, id, name string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	_, err := pool.Exec(cmd.Context(),
		`INSERT INTO crm.client (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		id, name,
	)
	if err != nil {
		return "", eris.Wrap(err, "provision: upsert client")
	}
	return id, nil
}

// ensureSystemUser returns the client's system user, creating it on
// first provision. Synced rows carry it as created_by/updated_by.
func ensureSystemUser(cmd *cobra.Command, pool db.Pool, clientID string) (string, error) {
	ctx := cmd.Context()

	var id string
	err := pool.QueryRow(ctx,
		`SELECT id FROM crm.app_user WHERE client_id = $1 AND is_system
		 ORDER BY created_at LIMIT 1`,
		clientID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrap(err, "provision: query system user")
	}

	id = uuid.NewString()
	_, err = pool.Exec(ctx,
		`INSERT INTO crm.app_user (id, client_id, email, name, role, is_system)
		 VALUES ($1, $2, $3, $4, 'SYSTEM', true)`,
		id, clientID, "sync-system@movesync.local", "Sync System",
	)
	if err != nil {
		return "", eris.Wrap(err, "provision: create system user")
	}
	return id, nil
}
