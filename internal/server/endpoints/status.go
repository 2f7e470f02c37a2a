package endpoints

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-metadata-service/internal/api"
	"github.com/Arke-Institute/arke-metadata-service/internal/chunk"
	"github.com/Arke-Institute/arke-metadata-service/internal/store"
)

// StatusEndpoint handles GET /status/{chunk_id}.
type StatusEndpoint struct {
	Registry *chunk.Registry
}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status/{chunk_id}", e.handler
}

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	chunkID := r.PathValue("chunk_id")

	snap, err := e.Registry.Status(r.Context(), chunkID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown chunk: "+chunkID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <chunk_id>",
		Short: "Get the phase and progress of a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var snap chunk.StatusSnapshot
			if err := client.Get(cmd.Context(), "/status/"+args[0], &snap); err != nil {
				return err
			}
			return api.Print(snap)
		},
	}
}
