package diag

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// NewServeMux returns an *http.ServeMux that serves the diagnostics API at /api/.
//
//	GET /api/      queued tasks in execution order, ?count limits the number of tasks
//	GET /api/{id}  a queued or recently finished task
func NewServeMux(source Source) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		// Only support GET requests
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		relativeURL := strings.TrimPrefix(r.URL.Path, "/api/")

		// /api/
		if relativeURL == "" {
			tasks := source.Tasks()

			countStr := r.URL.Query().Get("count")
			if countStr != "" {
				count, err := strconv.Atoi(countStr)
				if err != nil || count < 0 {
					w.WriteHeader(http.StatusBadRequest)
					return
				}

				if count < len(tasks) {
					tasks = tasks[:count]
				}
			}

			result := &TaskList{
				Tasks: tasks,
			}

			if len(tasks) > 0 {
				result.Progress = tasks[0].Progress
			}

			writeJSON(w, result)
			return
		}

		segments := strings.Split(relativeURL, "/")

		// /api/{id}
		if len(segments) == 1 {
			info, ok := source.Status(segments[0])
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}

			writeJSON(w, &info)
			return
		}

		w.WriteHeader(http.StatusNotFound)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
}
