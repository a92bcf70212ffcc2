package status

import (
	"html/template"

	"github.com/usbdii/dcihid-go/core"
)

type statusTemplateDevice struct {
	Path     string
	Used     bool
	Sessions []core.SessionInfo
}

type statusTemplateData struct {
	Version     string
	Devices     []statusTemplateDevice
	DeviceCount int
	Log         string

	IsError bool
	Error   string

	CSRFField template.HTML
}

const templateString = `
<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no">
  <title>USBDII DCI bridge status</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", "Roboto", "Helvetica Neue", Arial, sans-serif;
    }

    h1 {
      font-size: 36px;
    }

    p {
      color: #858585;
    }

    #container {
      width: 100%;
    }

    .error {
      border: 1px solid orangered;
      border-radius: 4px;
      min-width: 320px;
      max-width: 500px;
      min-height: 33px;
      margin: 20px auto;
      position: relative;
      color: darkred;
      padding-top: 13px;
    }

    .item {
      border: 1px solid lightgray;
      border-radius: 4px;
      min-width: 320px;
      max-width: 500px;
      min-height: 100px;
      margin: 20px auto;
      position: relative;
    }

    .item h3 {
      left: 20px;
      position: absolute;
    }

    .item p {
      top: 50px;
      left: -5px;
      position: relative;
      font-size: 11px;
    }

    .item .session {
      top: 20px;
      right: 20px;
      position: absolute;
    }

    .inner-container {
      max-width: 1024px;
      margin: 0 auto;
      text-align: center;
      border-radius: 4px;
    }

    .badge {
      display: inline-block;
      padding: 6px 10px 6px 10px;
      border: 1px solid #01B757;
      border-radius: 4px;
      color: #01B757;
    }

    .heading {
      margin-bottom: 40px;
    }

    textarea {
      max-width: 700px;
    }
  </style>
</head>

<body>
  <div id="container">
    <div class="inner-container">
      <div class="heading">
        <h1>USBDII DCI bridge status</h1>
        <span class="badge">Version: {{.Version}}</span>
      </div>

      <p>Connected adapters: {{.DeviceCount}}</p>

      {{if .IsError}}
        <div class="error">
          <b>Error:</b> {{.Error}}
        </div>
      {{end}}

      {{range .Devices}}
      <div class="item">
        <h3>DCI adapter</h3>
        <span class="session">
        {{if .Used}}
          {{range .Sessions}} handle {{.Handle}} (card {{.CardID}}/{{.CardNum}}) {{end}}
        {{else}}
          no open sessions
        {{end}}
        </span>
        <p>Path: {{.Path}}</p>
      </div>
      {{end}}

      <h3>Log</h3>
      <textarea rows="30" cols="200" readonly>{{.Log}}</textarea>

      <h3>Detailed log</h3>
      <form action="/status/log.gz" method="POST">
        {{.CSRFField}}
        <input type="submit" value="Download detailed log"/>
      </form>
    </div>
  </div>
</body>
</html>
`

var statusTemplate = template.Must(template.New("status").Parse(templateString))
