package upstream

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
	"github.com/damedic/fhir-toolbox-go/utils/ptr"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
)

// fakeServer is a terminology server that serves a fixed
// CapabilityStatement and can be switched to failing.
type fakeServer struct {
	*httptest.Server
	metadataCalls atomic.Int32
	failStatus    atomic.Int32
	gate          atomic.Pointer[metadataGate]
}

// metadataGate holds metadata requests until released.
type metadataGate struct {
	entered   chan struct{}
	enterOnce sync.Once
	release   chan struct{}
}

// holdMetadata makes metadata requests wait until release is called.
// entered is closed once the first held request arrives.
func (f *fakeServer) holdMetadata() (entered <-chan struct{}, release func()) {
	g := &metadataGate{entered: make(chan struct{}), release: make(chan struct{})}
	f.gate.Store(g)
	var once sync.Once
	return g.entered, func() {
		once.Do(func() {
			f.gate.CompareAndSwap(g, nil)
			close(g.release)
		})
	}
}

func newFakeServer(t *testing.T, cs *r4.CapabilityStatement) *fakeServer {
	t.Helper()

	body, err := fhir.Marshal(cs, fhir.FormatJSON)
	if err != nil {
		t.Fatalf("marshal capability statement: %v", err)
	}

	f := &fakeServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("mode") == "terminology" {
			w.Header().Set("Content-Type", fhir.ContentTypeJSON)
			_, _ = w.Write([]byte(`{"resourceType":"TerminologyCapabilities","status":"active","date":"2024-01-01","kind":"instance","codeSystem":[{"uri":"http://hl7.org/fhir/sid/icd-10"}]}`))
			return
		}
		f.metadataCalls.Add(1)
		if g := f.gate.Load(); g != nil {
			g.enterOnce.Do(func() { close(g.entered) })
			select {
			case <-g.release:
			case <-r.Context().Done():
				return
			}
		}
		if status := f.failStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}
		w.Header().Set("Content-Type", fhir.ContentTypeJSON)
		_, _ = w.Write(body)
	}))
	t.Cleanup(f.Close)
	return f
}

func capabilityWithSystems(systems ...string) *r4.CapabilityStatement {
	cs := &r4.CapabilityStatement{
		Status:      r4.Code{Value: ptr.To("active")},
		Date:        r4.DateTime{Value: ptr.To("2024-01-01")},
		Kind:        r4.Code{Value: ptr.To("instance")},
		FhirVersion: r4.Code{Value: ptr.To("4.0.1")},
		Format:      []r4.Code{{Value: ptr.To("json")}},
		Rest: []r4.CapabilityStatementRest{{
			Mode: r4.Code{Value: ptr.To("server")},
			Operation: []r4.CapabilityStatementRestResourceOperation{
				fhir.CapabilityOperation{Name: "lookup", Definition: "http://hl7.org/fhir/OperationDefinition/CodeSystem-lookup"}.Declaration(),
			},
		}},
	}
	for _, s := range systems {
		cs.Extension = append(cs.Extension, r4.Extension{Url: fhir.ExtSupportedSystem, Value: r4.Uri{Value: ptr.To(s)}})
	}
	return cs
}
