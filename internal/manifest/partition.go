package manifest

// PartitionConfig controls how a manifest is split between individual
// transfers and batched zip transfers.
type PartitionConfig struct {
	LargeThreshold int64 // files at or above this size are transferred individually
	BatchMaxBytes  int64 // a batch is sealed once its cumulative size reaches this
	BatchMaxFiles  int   // a batch is sealed once it holds this many files
}

// DefaultPartitionConfig returns the default partitioning configuration.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		LargeThreshold: 20 * 1024 * 1024, // 20 MiB
		BatchMaxFiles:  75,
		BatchMaxBytes:  25 * 1024 * 1024, // 25 MiB
	}
}

func (c PartitionConfig) withDefaults() PartitionConfig {
	def := DefaultPartitionConfig()
	if c.LargeThreshold <= 0 {
		c.LargeThreshold = def.LargeThreshold
	}
	if c.BatchMaxFiles <= 0 {
		c.BatchMaxFiles = def.BatchMaxFiles
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = def.BatchMaxBytes
	}
	return c
}

// Partition is the result of splitting a manifest.
type Partition struct {
	Large      []FileEntry
	Batches    [][]FileEntry
	TotalFiles int
	TotalBytes int64
}

// Split partitions entries in one greedy pass, preserving manifest order.
func Split(entries []FileEntry, cfg PartitionConfig) Partition {
	p := NewPartitioner(cfg)
	for _, e := range entries {
		p.Add(e)
	}
	return p.Finish()
}

// Partitioner splits a manifest incrementally so pages can be fed in as
// they arrive from the server.
type Partitioner struct {
	out     Partition
	pending []FileEntry
	cfg     PartitionConfig
	curSize int64
}

// NewPartitioner creates a partitioner. Zero config fields take defaults.
func NewPartitioner(cfg PartitionConfig) *Partitioner {
	cfg = cfg.withDefaults()
	return &Partitioner{
		cfg:     cfg,
		pending: make([]FileEntry, 0, cfg.BatchMaxFiles),
	}
}

// Add assigns one entry to the large list or the current batch.
func (p *Partitioner) Add(e FileEntry) {
	p.out.TotalFiles++
	p.out.TotalBytes += e.Size

	if e.Size >= p.cfg.LargeThreshold {
		p.out.Large = append(p.out.Large, e)
		return
	}

	p.pending = append(p.pending, e)
	p.curSize += e.Size
	if p.ready() {
		p.flush()
	}
}

// ready reports whether the current batch hit its count or byte limit.
func (p *Partitioner) ready() bool {
	return len(p.pending) >= p.cfg.BatchMaxFiles || p.curSize >= p.cfg.BatchMaxBytes
}

func (p *Partitioner) flush() {
	if len(p.pending) == 0 {
		return
	}
	p.out.Batches = append(p.out.Batches, p.pending)
	p.pending = make([]FileEntry, 0, p.cfg.BatchMaxFiles)
	p.curSize = 0
}

// Finish seals any trailing batch and returns the partition. The
// partitioner must not be used afterwards.
func (p *Partitioner) Finish() Partition {
	p.flush()
	return p.out
}
