package sandbox

import (
	"html/template"
	"net/http"

	"mobileconnect/urlbuilder"
)

var selectTemplate = template.Must(template.New("select").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Choose your mobile network</title></head>
<body>
<h1>Choose your mobile network</h1>
<ul>
{{range .}}<li><a href="{{.Href}}">{{.Name}}</a> ({{.Country}}, {{.Code}})</li>
{{end}}</ul>
</body>
</html>
`))

type selectOption struct {
	Name    string
	Country string
	Code    string
	Href    string
}

func (s *Sandbox) renderSelect(w http.ResponseWriter, r *http.Request, redirect string) {
	options := make([]selectOption, 0, len(s.operators))
	for _, op := range s.operators {
		href, err := urlbuilder.New(s.baseURL(r)+"/select").
			Add(paramRedirect, redirect).
			Add(paramOperator, op.Name).
			Build()
		if err != nil {
			http.Error(w, "invalid selection url", http.StatusInternalServerError)
			return
		}
		options = append(options, selectOption{
			Name:    op.Name,
			Country: op.Country,
			Code:    op.MCC + "_" + op.MNC,
			Href:    href,
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := selectTemplate.Execute(w, options); err != nil {
		s.logger.Error("render select", "error", err)
	}
}
