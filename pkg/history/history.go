package history

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/igolaizola/txt2vid/pkg/generator"
	"github.com/igolaizola/txt2vid/pkg/session"
	"github.com/igolaizola/txt2vid/pkg/storage"
	"github.com/oklog/ulid/v2"
)

// Recorder saves resolved generations to the store.
type Recorder struct {
	store *storage.Store
}

func New(store *storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Record converts a resolved state into a generation record and saves it.
func (r *Recorder) Record(ctx context.Context, sessionID string, st session.State) error {
	return r.store.SetGeneration(ctx, ToGeneration(sessionID, st))
}

// Hook returns a function suitable for session.ManagerConfig.OnResolve.
// Errors are logged.
func (r *Recorder) Hook() func(string, session.State) {
	return func(id string, st session.State) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.Record(ctx, id, st); err != nil {
			log.Printf("history: couldn't record generation of %s: %v\n", id, err)
		}
	}
}

func ToGeneration(sessionID string, st session.State) *storage.Generation {
	g := &storage.Generation{
		ID:          ulid.Make().String(),
		SessionID:   sessionID,
		Text:        st.Text,
		Status:      st.Status.String(),
		Reason:      st.Reason,
		RequestedAt: st.SubmittedAt,
		ResolvedAt:  st.UpdatedAt,
	}
	if st.Resource != nil {
		g.ResourceID = st.Resource.ID
		g.Size = st.Resource.Size
	}
	var svcErr *generator.ServiceError
	if errors.As(st.Err, &svcErr) {
		g.StatusCode = svcErr.StatusCode
	}
	return g
}
