package main

import (
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/PaulBabatuyi/neptalk/internal/data"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func printUsers(w io.Writer, users []data.DirectoryEntry) {
	table := newTable(w, "UID", "Name", "Email")
	for _, u := range users {
		table.Append([]string{u.UID, u.Name, u.Email})
	}
	table.Render()
}

func printConversations(w io.Writer, list []data.ConversationSummary) {
	table := newTable(w, "ID", "With", "Latest", "Date", "Read")
	for _, c := range list {
		read := ""
		if c.Latest.IsRead {
			read = "yes"
		}
		table.Append([]string{c.ID, c.PeerName + " <" + c.PeerEmail + ">", c.Latest.Text, c.Latest.Date, read})
	}
	table.Render()
}

func printMessages(w io.Writer, msgs []data.MessageRecord, dates data.DateFormatter) {
	table := newTable(w, "Date", "From", "Message")
	for _, m := range msgs {
		text, err := data.Preview(m.Kind)
		if err != nil {
			text = "(" + err.Error() + ")"
		}
		table.Append([]string{dates.Format(m.SentAt), m.SenderName, text})
	}
	table.Render()
}
