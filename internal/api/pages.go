package api

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

type verifyPage struct {
	Success  bool
	Title    string
	Message  string
	LoginURL string
}

var verifyTmpl = template.Must(template.New("verify").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Email Verification</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); min-height: 100vh; display: flex; align-items: center; justify-content: center; margin: 0; padding: 20px; }
    .container { background: white; padding: 40px; border-radius: 12px; box-shadow: 0 10px 25px rgba(0,0,0,0.1); text-align: center; max-width: 400px; width: 100%; }
    .icon { font-size: 48px; margin-bottom: 20px; }
    .ok { color: #10b981; }
    .err { color: #ef4444; }
    h1 { color: #1f2937; margin-bottom: 16px; font-size: 24px; }
    p { color: #6b7280; line-height: 1.6; margin-bottom: 20px; }
    a.button { background: #4CAF50; color: white; padding: 12px 24px; text-decoration: none; border-radius: 6px; display: inline-block; }
  </style>
</head>
<body>
  <div class="container">
    {{if .Success}}<div class="icon ok">&#10004;</div>{{else}}<div class="icon err">&#9888;</div>{{end}}
    <h1>{{.Title}}</h1>
    <p>{{.Message}}</p>
    {{if .LoginURL}}<a class="button" href="{{.LoginURL}}">Go to Login</a>{{end}}
  </div>
</body>
</html>
`))

func (h *Handler) renderPage(w http.ResponseWriter, code int, page verifyPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := verifyTmpl.Execute(w, page); err != nil {
		h.log.Error("Failed to render page", zap.Error(err))
	}
}
