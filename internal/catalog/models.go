package catalog

// Song is a row of the VOD_song table. Only the columns the server reads or
// writes are mapped; legacy databases carry many more.
type Song struct {
	SongID     int64  `gorm:"column:SongID;primaryKey;autoIncrement" json:"song_id"`
	Name       string `gorm:"column:SONGNAME" json:"title"`
	Singer     string `gorm:"column:SINGER" json:"artist"`
	Spell      string `gorm:"column:spell" json:"spell,omitempty"`
	WordCount  int    `gorm:"column:WordCount" json:"-"`
	ClickCount int64  `gorm:"column:ClickCount" json:"click_count"`
	FileName   string `gorm:"column:FileName" json:"file_name"`
}

func (Song) TableName() string { return "VOD_song" }

// Singer is a row of the Singerinfo table.
type Singer struct {
	Name string `gorm:"column:SingerName;primaryKey"`
}

func (Singer) TableName() string { return "Singerinfo" }
