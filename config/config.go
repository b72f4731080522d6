package config

import (
	"fmt"
	"os"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/device"
	"gopkg.in/yaml.v3"
)

// Selector step names looked up by the worker.
const (
	StepErrorReload          = "error_reload"
	StepLocationEntry        = "location_entry"
	StepLocationSearchInput  = "location_search_input"
	StepLocationSearchResult = "location_search_result"
	StepShopSearchBtn        = "shop_search_btn"
	StepShopSearchInput      = "shop_search_input"
	StepShopSearchSubmit     = "shop_search_submit"
	StepShopSearchResult     = "shop_search_result"
	StepAllProductsTab       = "all_products_tab"
	StepCategoryEntry        = "category_entry"
	StepItemName             = "item_name"
	StepItemPrice            = "item_price"
	StepItemSales            = "item_sales"
)

// RequiredSteps must be present in every selector catalog.
var RequiredSteps = []string{
	StepLocationEntry,
	StepLocationSearchInput,
	StepLocationSearchResult,
	StepShopSearchBtn,
	StepShopSearchInput,
	StepShopSearchSubmit,
	StepShopSearchResult,
	StepAllProductsTab,
	StepCategoryEntry,
	StepItemName,
	StepItemPrice,
	StepItemSales,
}

// Config holds harvester configuration.
type Config struct {
	OutputDir    string `yaml:"output_dir"`
	OutputFormat string `yaml:"output_format"` // xlsx, csv, or dual
	Locale       string `yaml:"locale"`        // zh or en
	HistoryDSN   string `yaml:"history_dsn"`
	Verbose      bool   `yaml:"verbose"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
	Retry    RetryConfig   `yaml:"retry"`
	Scroll   ScrollConfig  `yaml:"scroll"`
	Device   DeviceConfig  `yaml:"device"`
	Server   ServerConfig  `yaml:"server"`
	Filters  FilterConfig  `yaml:"filters"`

	// EntrySteps are tapped in order after the app starts to reach the
	// screen holding the location entry and shop search.
	EntrySteps []string                       `yaml:"entry_steps"`
	Selectors  map[string][]device.Descriptor `yaml:"selectors"`
}

// TimeoutConfig bounds waits on the device UI.
type TimeoutConfig struct {
	Default   time.Duration `yaml:"default"`
	Long      time.Duration `yaml:"long"`
	Short     time.Duration `yaml:"short"`
	Candidate time.Duration `yaml:"candidate"`
	Poll      time.Duration `yaml:"poll"`
}

// RetryConfig controls selector retries.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
}

// ScrollConfig controls item list and category sidebar scrolling.
type ScrollConfig struct {
	MaxScrollTimes     int           `yaml:"max_scroll_times"`
	Pause              time.Duration `yaml:"pause"`
	NoNewDataThreshold int           `yaml:"no_new_data_threshold"`
	CategoryRounds     int           `yaml:"category_rounds"`
}

// DeviceConfig describes how handsets are reached.
type DeviceConfig struct {
	ADBAddr               string        `yaml:"adb_addr"`
	U2Port                int           `yaml:"u2_port"`
	AppPackage            string        `yaml:"app_package"`
	LaunchWait            time.Duration `yaml:"launch_wait"`
	TransportFailureLimit int           `yaml:"transport_failure_limit"`
	ActionRate            float64       `yaml:"action_rate"`
	ActionBurst           int           `yaml:"action_burst"`
	ListCacheTTL          time.Duration `yaml:"list_cache_ttl"`
}

// ServerConfig holds the control API settings.
type ServerConfig struct {
	ListenAddr      string  `yaml:"listen_addr"`
	MetricsAddr     string  `yaml:"metrics_addr"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

// FilterConfig decides which on-screen texts count as items and categories.
type FilterConfig struct {
	MinNameRunes      int      `yaml:"min_name_runes"`
	MinCJK            int      `yaml:"min_cjk"`
	InvalidPatterns   []string `yaml:"invalid_patterns"`
	StripPrefixes     []string `yaml:"strip_prefixes"`
	CategoryBlacklist []string `yaml:"category_blacklist"`
}

// DefaultConfig returns defaults tuned for the pharmacy storefront flow.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:    "output",
		OutputFormat: "xlsx",
		Locale:       "zh",
		HistoryDSN:   "output/history.db",
		Timeouts: TimeoutConfig{
			Default:   10 * time.Second,
			Long:      20 * time.Second,
			Short:     3 * time.Second,
			Candidate: 500 * time.Millisecond,
			Poll:      500 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Delay:      2 * time.Second,
		},
		Scroll: ScrollConfig{
			MaxScrollTimes:     30,
			Pause:              time.Second,
			NoNewDataThreshold: 2,
			CategoryRounds:     5,
		},
		Device: DeviceConfig{
			ADBAddr:               "127.0.0.1:5037",
			U2Port:                9008,
			AppPackage:            "com.sankuai.meituan",
			LaunchWait:            5 * time.Second,
			TransportFailureLimit: 5,
			ActionRate:            4,
			ActionBurst:           2,
			ListCacheTTL:          3 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MetricsAddr:     "",
			RateLimitPerSec: 10,
			RateLimitBurst:  5,
		},
		Filters: FilterConfig{
			MinNameRunes: 5,
			MinCJK:       3,
			InvalidPatterns: []string{
				`^推荐$`, `^活动$`, `^医保$`, `^问.*医生$`, `^已优惠`, `^优惠仅剩`,
				`^\d+人`, `^月售`, `^已售`, `^超\d+人`, `^近期`, `^最近`,
				`^\d+元\*`, `^满\d+减`, `^减\d+元`, `起送`, `^搜索`, `^约\d+分钟`, `^刚刚有`,
			},
			StripPrefixes: []string{"健康年"},
			CategoryBlacklist: []string{
				"问商家", "购物车", "免配送费", "起送", "配送费", "首页",
				"全部商品", "商家", "销量", "价格", "商家会员",
			},
		},
		EntrySteps: []string{"open_takeout", "open_pharmacy"},
		Selectors:  defaultSelectors(),
	}
}

func defaultSelectors() map[string][]device.Descriptor {
	const id = "com.sankuai.meituan:id/"
	return map[string][]device.Descriptor{
		StepErrorReload: {device.Text("重新加载"), device.TextContains("重新加载")},
		"open_takeout":  {device.Text("外卖"), device.Description("外卖")},
		"open_pharmacy": {device.Text("看病买药"), device.TextContains("买药")},
		StepLocationEntry: {
			device.ResourceID(id + "address_text"),
			device.Description("定位"),
		},
		StepLocationSearchInput: {
			device.ResourceID(id + "search_edit"),
			device.Class("android.widget.EditText"),
		},
		StepLocationSearchResult: {
			device.ResourceID(id + "address_item_title"),
			device.TextMatches(`.*(路|街|号|区|广场|大厦).*`),
		},
		StepShopSearchBtn: {
			device.ResourceID(id + "search_bar"),
			device.TextContains("搜索"),
		},
		StepShopSearchInput: {
			device.ResourceID(id + "search_edit"),
			device.Class("android.widget.EditText"),
		},
		StepShopSearchSubmit: {
			device.Text("搜索"),
			device.ResourceID(id + "search_button"),
		},
		StepShopSearchResult: {
			device.ResourceID(id + "shop_name"),
			device.TextContains("药房"),
		},
		StepAllProductsTab: {device.Text("全部商品"), device.TextContains("全部")},
		StepCategoryEntry:  {device.ResourceID(id + "txt_category_name_1")},
		StepItemName:       {device.ResourceID(id + "txt_product_name")},
		StepItemPrice: {
			device.ResourceID(id + "txt_product_price"),
			device.TextMatches(`[¥￥]\s*\d+(\.\d+)?`),
		},
		StepItemSales: {
			device.ResourceID(id + "txt_product_sales"),
			device.TextMatches(`(月售|已售).*`),
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.OutputFormat != "xlsx" && c.OutputFormat != "csv" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be xlsx, csv, or dual")
	}
	if c.Locale != "zh" && c.Locale != "en" {
		return fmt.Errorf("locale must be zh or en")
	}

	t := c.Timeouts
	if t.Default <= 0 || t.Long <= 0 || t.Short <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if t.Candidate <= 0 {
		return fmt.Errorf("candidate timeout must be positive")
	}
	if t.Candidate >= t.Default {
		return fmt.Errorf("candidate timeout (%s) must be shorter than the default timeout (%s)", t.Candidate, t.Default)
	}
	if t.Poll < 0 {
		return fmt.Errorf("poll interval cannot be negative")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}

	if c.Scroll.MaxScrollTimes <= 0 {
		return fmt.Errorf("max scroll times must be positive")
	}
	if c.Scroll.NoNewDataThreshold <= 0 {
		return fmt.Errorf("no new data threshold must be positive")
	}
	if c.Scroll.Pause < 0 {
		return fmt.Errorf("scroll pause cannot be negative")
	}
	if c.Scroll.CategoryRounds < 0 {
		return fmt.Errorf("category rounds cannot be negative")
	}

	if c.Device.TransportFailureLimit <= 0 {
		return fmt.Errorf("transport failure limit must be positive")
	}
	if c.Device.U2Port <= 0 || c.Device.U2Port > 65535 {
		return fmt.Errorf("u2 port must be between 1 and 65535")
	}
	if c.Device.ActionRate < 0 {
		return fmt.Errorf("action rate cannot be negative")
	}
	if c.Device.AppPackage == "" {
		return fmt.Errorf("app package cannot be empty")
	}

	for _, step := range RequiredSteps {
		if len(c.Selectors[step]) == 0 {
			return fmt.Errorf("selector step %q has no candidates", step)
		}
	}
	for _, step := range c.EntrySteps {
		if len(c.Selectors[step]) == 0 {
			return fmt.Errorf("entry step %q has no candidates", step)
		}
	}
	for step, candidates := range c.Selectors {
		for i, d := range candidates {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("selector %s[%d]: %w", step, i, err)
			}
		}
	}

	return nil
}
