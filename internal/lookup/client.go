// Package lookup - внешние справочники для команд promoter-бота: адрес по CEP, погода, новости.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/infra"
)

const (
	sourceCEP     = "cep"
	sourceWeather = "weather"
	sourceNews    = "news"

	defaultCity  = "São Paulo"
	defaultTopic = "politica brasileira"

	newsNotFound = "*Desculpa, não achei nada com o título pesquisado.*\n" +
		"_Tenta pesquisar o título de uma forma diferente ex :_\n" +
		"*_/notícias Crimes_*\n*_/notícias Política internacional_*"
)

// Article - новость, готовая к отправке. ImageURL пуст, если картинки нет.
type Article struct {
	Text     string
	ImageURL string
}

type Client struct {
	httpc   *http.Client
	cfg     infra.LookupConfig
	metrics *infra.Metrics
	logger  *zap.Logger
	rel     map[string]*reliability
	now     func() time.Time
}

func NewClient(cfg infra.LookupConfig, httpc *http.Client, metrics *infra.Metrics, logger *zap.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	logger = logger.Named("lookup")
	c := &Client{
		httpc:   httpc,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		rel:     make(map[string]*reliability),
		now:     time.Now,
	}
	for _, src := range []string{sourceCEP, sourceWeather, sourceNews} {
		c.rel[src] = newReliability(src, cfg, metrics, logger)
	}
	return c
}

// get выполняет GET через обёртку надёжности. Любой отказ - ErrLookupFailure.
func (c *Client) get(ctx context.Context, source, rawURL string) ([]byte, error) {
	body, err := c.rel[source].call(ctx, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &permanentError{err: err}
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &ThrottleError{
				RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
				Cause:      fmt.Errorf("status %d", resp.StatusCode),
			}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, &permanentError{err: fmt.Errorf("status %d", resp.StatusCode)}
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}

		if !gjson.ValidBytes(data) {
			return nil, &permanentError{err: errors.New("invalid json body")}
		}
		return data, nil
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.LookupErrors.WithLabelValues(source).Inc()
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrLookupFailure, source, err)
	}
	return body, nil
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

// CEP - адрес по почтовому индексу.
func (c *Client) CEP(ctx context.Context, cep string) (string, error) {
	data, err := c.get(ctx, sourceCEP, strings.TrimRight(c.cfg.CEPURL, "/")+"/"+url.PathEscape(cep))
	if err != nil {
		return "", err
	}

	r := gjson.ParseBytes(data)
	return fmt.Sprintf("*Cep pesquisado:* %s\n*Rua:* _%s_\n*Bairro:* _%s_\n*Cidade:* _%s_\n*Estado:* _%s_",
		r.Get("cep").String(),
		r.Get("street").String(),
		r.Get("neighborhood").String(),
		r.Get("city").String(),
		r.Get("state").String(),
	), nil
}

func (c *Client) weatherURL(city string) string {
	q := url.Values{}
	q.Set("key", c.cfg.WeatherKey)
	if city != "" {
		q.Set("city_name", city)
	}
	return c.cfg.WeatherURL + "?" + q.Encode()
}

// Weather - погода на сегодня по городу по умолчанию.
func (c *Client) Weather(ctx context.Context) (string, error) {
	data, err := c.get(ctx, sourceWeather, c.weatherURL(""))
	if err != nil {
		return "", err
	}

	res := gjson.GetBytes(data, "results")
	today := res.Get("forecast.0")
	if !today.Exists() {
		return "", fmt.Errorf("%w: weather: empty forecast", domain.ErrLookupFailure)
	}

	return fmt.Sprintf("_A temperatura atual é *%dºc*, com mín. de *%dºc* e max de *%dºc*_.\n"+
		"_*%s*, com *%d%%* de chuva._\n"+
		"*_Cidade de referência é São Paulo_*",
		res.Get("temp").Int(), today.Get("min").Int(), today.Get("max").Int(),
		today.Get("description").String(), today.Get("rain_probability").Int(),
	), nil
}

// Forecast - прогноз на неделю. Пустой город - Сан-Паулу.
func (c *Client) Forecast(ctx context.Context, city string) (string, error) {
	if city == "" {
		city = defaultCity
	}
	data, err := c.get(ctx, sourceWeather, c.weatherURL(city))
	if err != nil {
		return "", err
	}

	res := gjson.GetBytes(data, "results")
	days := res.Get("forecast").Array()
	if len(days) == 0 {
		return "", fmt.Errorf("%w: weather: empty forecast", domain.ErrLookupFailure)
	}
	if len(days) > 7 {
		days = days[:7]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*_Cidade de referência:_* _%s_\n*Clima para os próximos* *_7 dias:_*\n\n", res.Get("city").String())
	for _, d := range days {
		fmt.Fprintf(&b, "*_Data:_* _%s_\n*_Dia da semana:_* _%s_\n*_Max. do dia:_* _%dºc_ / *_Min. do dia:_* _%dºc_\n"+
			"*_Probabilidade de chuva:_* _%d%%_\n*_Condição do dia:_* _\"%s\"_\n\n",
			d.Get("date").String(), d.Get("weekday").String(), d.Get("max").Int(), d.Get("min").Int(),
			d.Get("rain_probability").Int(), d.Get("description").String())
	}
	return b.String(), nil
}

// News - случайная свежая новость по теме.
func (c *Client) News(ctx context.Context, topic string) (Article, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = defaultTopic
	}
	if c.cfg.NewsKey == "" {
		return Article{}, fmt.Errorf("%w: news: api key not configured", domain.ErrLookupFailure)
	}

	day := c.now().Format(time.DateOnly)
	q := url.Values{}
	q.Set("q", strings.ToLower(topic))
	q.Set("from", day)
	q.Set("to", day)
	q.Set("language", "pt")
	q.Set("sortBy", "publishedAt")
	q.Set("apiKey", c.cfg.NewsKey)

	data, err := c.get(ctx, sourceNews, c.cfg.NewsURL+"?"+q.Encode())
	if err != nil {
		return Article{}, err
	}

	articles := gjson.GetBytes(data, "articles").Array()
	if gjson.GetBytes(data, "totalResults").Int() == 0 || len(articles) == 0 {
		return Article{Text: newsNotFound}, nil
	}

	a := articles[rand.IntN(len(articles))]
	title := "*" + strings.ToUpper(topic) + "*"
	if t := a.Get("title").String(); t != "" {
		title = "*" + t + "*"
	}
	desc := a.Get("description").String()
	if desc == "" {
		desc = "Sem descrição disponível."
	}
	link := a.Get("url").String()
	if link == "" {
		link = "Link não disponível."
	}

	return Article{
		Text:     fmt.Sprintf("%s\n\nResumo: %s\n\n_link para a publicação completa: %s_", title, desc, link),
		ImageURL: a.Get("urlToImage").String(),
	}, nil
}
