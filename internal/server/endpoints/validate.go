package endpoints

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-metadata-service/internal/api"
	"github.com/Arke-Institute/arke-metadata-service/internal/pinax"
)

// ValidateResponse wraps the validation outcome.
type ValidateResponse struct {
	Validation pinax.Validation `json:"validation"`
}

// ValidateEndpoint handles POST /validate-metadata. Pure validation, no
// model call, no state.
type ValidateEndpoint struct{}

func (e *ValidateEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/validate-metadata", e.handler
}

func (e *ValidateEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var record pinax.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Validation: pinax.Validate(record)})
}

func (e *ValidateEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <record.json>",
		Short: "Validate a PINAX record file against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			record, err := pinax.Parse(data)
			if err != nil {
				return err
			}

			client := api.NewClient(getServerURL())
			var resp ValidateResponse
			if err := client.Post(cmd.Context(), "/validate-metadata", record, &resp); err != nil {
				return err
			}
			return api.Print(resp)
		},
	}
}
