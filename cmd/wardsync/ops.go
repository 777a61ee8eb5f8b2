package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	wsclient "github.com/wardsync/wardsync/pkg/client"
	"github.com/wardsync/wardsync/pkg/config"
	"github.com/wardsync/wardsync/pkg/emr"
	"github.com/wardsync/wardsync/pkg/events"
	"github.com/wardsync/wardsync/pkg/netmon"
	"github.com/wardsync/wardsync/pkg/replica"
	"github.com/wardsync/wardsync/pkg/resolver"
	"github.com/wardsync/wardsync/pkg/security"
	"github.com/wardsync/wardsync/pkg/storage"
	"github.com/wardsync/wardsync/pkg/sync"
	"github.com/wardsync/wardsync/pkg/types"
	"github.com/wardsync/wardsync/pkg/verify"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync round and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		backendURL, _ := cmd.Flags().GetString("backend")
		if backendURL == "" {
			return fmt.Errorf("--backend is required")
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		res := buildResolver(cfg, store, nil)
		transport := wsclient.New(backendURL, cfg.EMRTimeout())
		monitor := netmon.New(netmon.NewHTTPProbe(backendURL+"/v1/sync"), netmon.Options{Retries: 1})
		monitor.Check(cmd.Context())

		orch := sync.New(store, res, transport, monitor, nil, sync.Options{
			Interval:     cfg.SyncInterval(),
			BatchSize:    cfg.Sync.BatchSize,
			MaxAttempts:  cfg.Sync.MaxAttempts,
			OpsPerSecond: cfg.Sync.OpsPerSecond,
		})

		if err := orch.StartSync(cmd.Context()); err != nil {
			return fmt.Errorf("sync round failed: %w", err)
		}
		fmt.Println("✓ Sync round completed")
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify TASK_ID",
	Short: "Verify a local task against the EMR",
	Long: `Fetch the task's EMR record over FHIR, cross-check patient identity
against the HL7 feed when configured, and compare the local task state
against what the EMR holds. Prints the verification decision as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		barcode, _ := cmd.Flags().GetString("barcode")
		actor, _ := cmd.Flags().GetString("actor")

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		local, err := store.Get(args[0])
		if err != nil {
			return fmt.Errorf("task %s: %w", args[0], err)
		}

		adapter, err := buildAdapter(cfg, store)
		if err != nil {
			return err
		}

		// The EMR-side task id travels on the payload; fall back to the
		// local id for tasks created from an EMR event.
		emrTaskID := local.ID
		if local.EMRPayload != nil && local.EMRPayload.ResourceID != "" {
			emrTaskID = local.EMRPayload.ResourceID
		}

		result, _, err := adapter.VerifyTask(cmd.Context(),
			types.EMRSystem(cfg.EMR.System), emrTaskID, local, barcode, actor)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if !result.IsValid {
			os.Exit(1)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		nodeID, err := store.NodeID()
		if err != nil {
			return err
		}
		version, err := store.SchemaVersion()
		if err != nil {
			return err
		}
		used, err := store.UsedBytes()
		if err != nil {
			return err
		}
		replicas, err := store.Load(cmd.Context(), storage.Filter{IncludeTombstones: true})
		if err != nil {
			return err
		}
		tombstones := 0
		for _, r := range replicas {
			if r.Tombstone {
				tombstones++
			}
		}

		fmt.Printf("Node ID:        %s\n", nodeID)
		fmt.Printf("Schema version: %d\n", version)
		fmt.Printf("Replicas:       %d (%d tombstoned)\n", len(replicas), tombstones)
		fmt.Printf("Storage used:   %d bytes\n", used)

		if v, err := store.Meta("last_sync_at"); err == nil && len(v) > 0 {
			fmt.Printf("Last sync:      %s\n", v)
		} else {
			fmt.Println("Last sync:      never")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("backend", "", "Backend base URL (https://host:port)")

	verifyCmd.Flags().String("barcode", "", "Scanned patient wristband barcode")
	verifyCmd.Flags().String("actor", "cli", "Actor identity recorded in the audit log")
}

func openStore(cfg *config.Config) (*storage.BoltStore, error) {
	if cfg.Persistence.EncryptionKeyID == "" {
		return nil, errors.New("encryption key id is required (persistence.encryption_key_id or WARDSYNC_ENCRYPTION_KEY_ID)")
	}
	cipher, err := security.NewCipherFromKeyID(cfg.Persistence.EncryptionKeyID)
	if err != nil {
		return nil, err
	}
	return storage.NewBoltStore(cfg.Persistence.Path, cipher, storage.Options{
		MaxBytes: cfg.Persistence.MaxBytes,
	})
}

func buildResolver(cfg *config.Config, store storage.Store, broker *events.Broker) *resolver.Resolver {
	engine := replica.NewEngine(cfg.Merge.VectorClockPruneThreshold)
	return resolver.New(engine, store, broker, cfg.Sync.BatchSize, cfg.MergeTimeout())
}

func buildAdapter(cfg *config.Config, store storage.Store) (*emr.Adapter, error) {
	if cfg.EMR.FHIRBaseURL == "" {
		return nil, errors.New("emr.fhir_base_url is required")
	}

	verifier := verify.NewEngine(store, cfg.Staleness())
	adapter := emr.NewAdapter(verifier)

	breakers := emr.NewBreakers(
		cfg.EMR.Circuit.FailureThreshold,
		time.Duration(cfg.EMR.Circuit.ResetTimeoutMs)*time.Millisecond,
		nil,
	)
	tokens := emr.NewTokenManager(&http.Client{Timeout: cfg.EMRTimeout()}, cfg.RefreshMargin())
	tokenCfg := emr.TokenConfig{
		Endpoint:     cfg.Token.Endpoint,
		ClientID:     cfg.Token.ClientID,
		ClientSecret: cfg.Token.ClientSecret,
		Scope:        cfg.Token.Scope,
		Audience:     cfg.Token.Audience,
		GrantType:    emr.GrantType(cfg.Token.GrantType),
	}

	system := types.EMRSystem(cfg.EMR.System)
	fhir := emr.NewFHIRClient(system, cfg.EMR.FHIRBaseURL,
		&http.Client{Timeout: cfg.EMRTimeout()}, tokens, tokenCfg, breakers, cfg.EMRTimeout())

	var hl7 *emr.HL7Client
	if cfg.EMR.HL7Address != "" {
		hl7 = emr.NewHL7Client(system, cfg.EMR.HL7Address, nil, breakers, cfg.EMRTimeout())
	}

	adapter.Register(system, fhir, hl7)
	return adapter, nil
}
