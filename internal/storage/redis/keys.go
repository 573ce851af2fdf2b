package redis

// Key layout per crawl target. Dashboards and CLI tools read these keys
// directly, so suffixes and value encodings are part of the wire format.
//
//	spider:{target}:state          hash    status, phase, timestamps, counters
//	spider:{target}:progress       hash    crawled, total, category, errors
//	spider:{target}:pagination     hash    {section} -> records_done, {section}_complete -> 1
//	spider:{target}:visited_urls   set     collection-phase dedup
//	spider:{target}:crawled_urls   set     detail-phase dedup
//	spider:{target}:url_queue      zset    priority URL queue, score = priority
//	spider:{target}:errors         list    JSON error records, newest first
//	spider:{target}:links_queue    list    JSON link records, LPUSH/RPOP FIFO
//	spider:{target}:checkpoint     string  JSON snapshot
//	spider:{target}:owner          string  worker ownership token, TTL = lease
//	spider:{target}:status_version string  counter bumped on state writes
const keyPrefix = "spider:"

type keys struct {
	target string
}

func keysFor(target string) keys {
	return keys{target: target}
}

func (k keys) suffix(s string) string {
	return keyPrefix + k.target + ":" + s
}

func (k keys) state() string         { return k.suffix("state") }
func (k keys) progress() string      { return k.suffix("progress") }
func (k keys) pagination() string    { return k.suffix("pagination") }
func (k keys) visitedURLs() string   { return k.suffix("visited_urls") }
func (k keys) crawledURLs() string   { return k.suffix("crawled_urls") }
func (k keys) urlQueue() string      { return k.suffix("url_queue") }
func (k keys) urlSeq() string        { return k.suffix("url_seq") }
func (k keys) errors() string        { return k.suffix("errors") }
func (k keys) linksQueue() string    { return k.suffix("links_queue") }
func (k keys) checkpoint() string    { return k.suffix("checkpoint") }
func (k keys) owner() string         { return k.suffix("owner") }
func (k keys) statusVersion() string { return k.suffix("status_version") }

func (k keys) all() []string {
	return []string{
		k.state(),
		k.progress(),
		k.pagination(),
		k.visitedURLs(),
		k.crawledURLs(),
		k.urlQueue(),
		k.urlSeq(),
		k.errors(),
		k.linksQueue(),
		k.checkpoint(),
		k.owner(),
		k.statusVersion(),
	}
}
