package mid_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/starnet/blockchain/business/web/errs"
	"github.com/starnet/blockchain/business/web/v1/mid"
	"github.com/starnet/blockchain/foundation/validate"
	"github.com/starnet/blockchain/foundation/web"
	"go.uber.org/zap"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestErrors(t *testing.T) {
	type table struct {
		name   string
		err    error
		panics bool
		status int
		fields bool
	}

	tt := []table{
		{name: "trusted", err: errs.NewTrusted(errors.New("duplicate"), http.StatusConflict), status: http.StatusConflict},
		{name: "fields", err: validate.FieldErrors{{Field: "from", Error: "from is a required field"}}, status: http.StatusBadRequest, fields: true},
		{name: "wrapped-fields", err: errs.NewTrusted(validate.FieldErrors{{Field: "to", Error: "to is a required field"}}, http.StatusBadRequest), status: http.StatusBadRequest, fields: true},
		{name: "untrusted", err: errors.New("database on fire"), status: http.StatusInternalServerError},
		{name: "panic", panics: true, status: http.StatusInternalServerError},
	}

	t.Log("Given the need to map handler errors to responses.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				log := zap.NewNop().Sugar()
				app := web.NewApp(make(chan os.Signal, 1), mid.Logger(log), mid.Errors(log), mid.Metrics(), mid.Panics())

				h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
					if tst.panics {
						panic("boom")
					}
					return tst.err
				}
				app.Handle(http.MethodGet, "v1", "/test", h, mid.Cors("*"))

				w := httptest.NewRecorder()
				app.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/test", nil))

				if w.Code != tst.status {
					t.Fatalf("\t%s\tTest %d:\tShould get status %d, got %d.", failed, testID, tst.status, w.Code)
				}
				t.Logf("\t%s\tTest %d:\tShould get status %d.", success, testID, tst.status)

				var er errs.Response
				if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould get an error document: %s", failed, testID, err)
				}
				if tst.fields != (len(er.Fields) > 0) {
					t.Fatalf("\t%s\tTest %d:\tShould report fields only for validation errors: %+v", failed, testID, er)
				}
				if tst.status == http.StatusInternalServerError && er.Error != http.StatusText(http.StatusInternalServerError) {
					t.Fatalf("\t%s\tTest %d:\tShould hide untrusted messages: %q", failed, testID, er.Error)
				}
				t.Logf("\t%s\tTest %d:\tShould get the expected error document.", success, testID)

				if w.Header().Get("Access-Control-Allow-Origin") != "*" {
					t.Fatalf("\t%s\tTest %d:\tShould set the cors headers.", failed, testID)
				}
			}

			t.Run(tst.name, f)
		}
	}
}
