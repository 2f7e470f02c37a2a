package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-metadata-service/internal/api"
	"github.com/Arke-Institute/arke-metadata-service/internal/chunk"
)

// ProcessResponse is the admission response for POST /process.
type ProcessResponse struct {
	Status   string `json:"status"` // "accepted" or "already_processing"
	ChunkID  string `json:"chunk_id"`
	Phase    string `json:"phase,omitempty"`
	TotalPIs int    `json:"total_pis,omitempty"`
}

// ProcessEndpoint handles POST /process.
type ProcessEndpoint struct {
	Registry *chunk.Registry
}

func (e *ProcessEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/process", e.handler
}

func (e *ProcessEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req chunk.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}

	adm, err := e.Registry.Process(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if adm.AlreadyProcessing {
		writeJSON(w, http.StatusAccepted, ProcessResponse{
			Status:  "already_processing",
			ChunkID: req.ChunkID,
			Phase:   string(adm.Phase),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, ProcessResponse{
		Status:   "accepted",
		ChunkID:  req.ChunkID,
		TotalPIs: adm.TotalPIs,
	})
}

func (e *ProcessEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		batchID      string
		chunkID      string
		prefix       string
		customPrompt string
		institution  string
	)
	cmd := &cobra.Command{
		Use:   "process <pi>...",
		Short: "Submit a chunk of PIs for batch metadata extraction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ProcessResponse
			err := client.Post(cmd.Context(), "/process", chunk.Request{
				BatchID:      batchID,
				ChunkID:      chunkID,
				PIs:          args,
				Prefix:       prefix,
				CustomPrompt: customPrompt,
				Institution:  institution,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("Status: %s\nChunk:  %s\n", resp.Status, resp.ChunkID)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "Batch identifier")
	cmd.Flags().StringVar(&chunkID, "chunk", "", "Chunk identifier")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Archive prefix")
	cmd.Flags().StringVar(&customPrompt, "custom-prompt", "", "Extra system prompt text")
	cmd.Flags().StringVar(&institution, "institution", "", "Institution override")
	cmd.MarkFlagRequired("batch")
	cmd.MarkFlagRequired("chunk")
	return cmd
}
