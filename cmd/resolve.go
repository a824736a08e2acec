package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/model"
)

var (
	resolveType      string
	resolveRequester string
	resolveWait      time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <entity>",
	Short: "Look up the reference document for an entity",
	Long: `Resolve answers from the cache when confidence allows and starts a
background acquisition otherwise. With --wait the command polls the
acquisition until it settles or the wait expires.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "resolve")
		if err != nil {
			return err
		}
		defer e.Close()

		q := model.Query{
			EntityHint:   args[0],
			DocumentType: model.DocumentType(resolveType),
			RequesterRef: resolveRequester,
		}
		resolution, err := e.Router.Resolve(ctx, q)
		if err != nil {
			return eris.Wrap(err, "resolve")
		}

		out := struct {
			*model.Resolution
			Outcome model.AcquisitionStatus `json:"outcome,omitempty"`
		}{Resolution: resolution}

		if resolution.Decision == model.RouteSearchFresh && resolveWait > 0 {
			status, atom := awaitAcquisition(ctx, e, resolution, resolveWait)
			out.Outcome = status
			out.Atom = atom
		}

		buf, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal resolution")
		}
		fmt.Println(string(buf))
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveType, "type", string(model.DocTypeSpec), "document type (spec, procedure, tip, part_reference)")
	resolveCmd.Flags().StringVar(&resolveRequester, "requester", "", "requester reference for completion notification")
	resolveCmd.Flags().DurationVar(&resolveWait, "wait", 0, "block up to this long for a fresh acquisition to settle")
	rootCmd.AddCommand(resolveCmd)
}

// awaitAcquisition polls the acquisition started by a fresh-search
// decision. It returns the terminal status and the stored atom when one
// landed, or a zero status when the wait expires first.
func awaitAcquisition(ctx context.Context, e *env, resolution *model.Resolution, wait time.Duration) (model.AcquisitionStatus, *model.KnowledgeAtom) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", nil
		case <-ticker.C:
		}

		req, err := e.Store.GetRequest(ctx, resolution.RequestID)
		if err != nil {
			zap.L().Warn("poll acquisition", zap.String("request_id", resolution.RequestID), zap.Error(err))
			continue
		}
		if req.Status == model.AcquisitionNeedsVerification {
			// Parked on a human. No point burning the rest of the wait.
			return req.Status, nil
		}
		if !req.Status.IsTerminal() {
			continue
		}

		if req.Status == model.AcquisitionCompleted || req.Status == model.AcquisitionVerified {
			atom, err := e.Store.GetAtom(ctx, req.EntityKey, req.DocumentType)
			if err != nil {
				zap.L().Warn("load settled atom", zap.String("entity_key", req.EntityKey), zap.Error(err))
				return req.Status, nil
			}
			return req.Status, atom
		}
		return req.Status, nil
	}

	zap.L().Info("acquisition still running, giving up the wait",
		zap.String("request_id", resolution.RequestID))
	return "", nil
}
