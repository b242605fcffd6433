// Package techdetect identifies technologies mentioned by a listing page's
// headers and markup using wappalyzergo. Detected names feed the
// technologies column of archived listings.
package techdetect

import (
	"net/http"
	"sort"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"github.com/rs/zerolog/log"
)

// Detector fingerprints listing pages for the technologies they run on.
type Detector struct {
	mu     sync.RWMutex
	client *wappalyzer.Wappalyze
}

// categoryNames maps wappalyzer category IDs to human-readable names
var categoryNames map[int]string
var categoryNamesOnce sync.Once

// New creates a Detector with the embedded wappalyzer fingerprint set.
func New() (*Detector, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}

	categoryNamesOnce.Do(func() {
		categoryNames = make(map[int]string)
		for id, cat := range wappalyzer.GetCategoriesMapping() {
			categoryNames[id] = cat.Name
		}
	})

	return &Detector{client: client}, nil
}

// Fingerprint identifies technologies from response headers and body,
// mapping each technology name to its category names.
func (d *Detector) Fingerprint(headers http.Header, body []byte) map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	technologies := make(map[string][]string)
	for tech, catInfo := range d.client.FingerprintWithCats(headers, body) {
		categories := make([]string, 0, len(catInfo.Cats))
		for _, catID := range catInfo.Cats {
			if name, ok := categoryNames[catID]; ok {
				categories = append(categories, name)
			}
		}
		technologies[tech] = categories
	}

	log.Debug().
		Int("tech_count", len(technologies)).
		Msg("Technology detection completed")

	return technologies
}

// TechNames returns the detected technology names sorted alphabetically,
// ready for the listings technologies column.
func (d *Detector) TechNames(headers http.Header, body []byte) []string {
	fingerprints := d.Fingerprint(headers, body)

	names := make([]string, 0, len(fingerprints))
	for tech := range fingerprints {
		names = append(names, tech)
	}
	sort.Strings(names)
	return names
}
