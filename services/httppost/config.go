package httppost

import (
	"io/ioutil"
	"net/url"
	"text/template"

	"github.com/pkg/errors"
)

type BasicAuth struct {
	Username string `toml:"username" json:"username"`
	Password string `toml:"password" json:"password"`
}

func (b BasicAuth) valid() bool {
	return b.Username != "" && b.Password != ""
}

// Config is the configuration for a single [[httppost]] section of the
// configuration file.
type Config struct {
	// Endpoint is the name by which destinations refer to this target.
	Endpoint string `toml:"endpoint"`
	// URL the alert data is posted to.
	URL string `toml:"url"`
	// Headers are added to every request.
	Headers map[string]string `toml:"headers"`
	// BasicAuth credentials, sent when both fields are set.
	BasicAuth BasicAuth `toml:"basic-auth"`
	// AlertTemplate is an inline text/template for the request body.
	// When empty the alert data is posted as JSON.
	AlertTemplate string `toml:"alert-template"`
	// AlertTemplateFile names a file containing the body template.
	// Only one of AlertTemplate and AlertTemplateFile may be set.
	AlertTemplateFile string `toml:"alert-template-file"`
}

// Validate ensures that all configurations options are valid. The Endpoint,
// and URL parameters must be set to be considered valid.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("must specify endpoint name")
	}

	if c.URL == "" {
		return errors.New("must specify url")
	}

	if _, err := url.Parse(c.URL); err != nil {
		return errors.Wrapf(err, "invalid URL %q", c.URL)
	}

	if c.AlertTemplate != "" && c.AlertTemplateFile != "" {
		return errors.New("only one of alert-template and alert-template-file may be set")
	}

	return nil
}

// Configs is the configuration for all [[httppost]] sections of the
// configuration file.
type Configs []Config

// Validate calls config.Validate for each element in Configs
func (cs Configs) Validate() error {
	for _, c := range cs {
		err := c.Validate()
		if err != nil {
			return err
		}
	}
	return nil
}

// index generates a map from config.Endpoint to an Endpoint with its
// body template compiled.
func (cs Configs) index() (map[string]*Endpoint, error) {
	m := map[string]*Endpoint{}

	for _, c := range cs {
		tmpl, err := c.alertTemplate()
		if err != nil {
			return nil, errors.Wrapf(err, "invalid alert template for endpoint %q", c.Endpoint)
		}
		m[c.Endpoint] = NewEndpoint(c.URL, c.Headers, c.BasicAuth, tmpl)
	}

	return m, nil
}

func (c Config) alertTemplate() (*template.Template, error) {
	text := c.AlertTemplate
	if c.AlertTemplateFile != "" {
		data, err := ioutil.ReadFile(c.AlertTemplateFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read alert-template-file %q", c.AlertTemplateFile)
		}
		text = string(data)
	}
	if text == "" {
		return nil, nil
	}
	return template.New(c.Endpoint).Parse(text)
}
